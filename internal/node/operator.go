package node

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"creditvault/internal/alerts"
	"creditvault/internal/protocol"
	"creditvault/internal/state"
	"creditvault/internal/vault"
	"creditvault/internal/wad"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

// chat is the Telegram surface the operator needs.
type chat interface {
	Send(ctx context.Context, message string) error
	GetUpdates(ctx context.Context, offset int64, wait time.Duration) ([]alerts.Update, error)
}

type operatorProtocol interface {
	Apply(ctx context.Context, cmd protocol.Command) (protocol.Result, error)
	Summaries() []vault.Summary
}

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID int64     `json:"update_id"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Vault    string    `json:"vault"`
	Command  string    `json:"command"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	Error    string    `json:"error,omitempty"`
}

// Operator answers chat commands from allowed users: /status, /pause and
// /resume. Pauses are submitted as ordinary commands from address.
type Operator struct {
	chat    chat
	proto   operatorProtocol
	store   state.Store
	address common.Address
	chatID  int64
	allowed map[int64]struct{}
	poll    time.Duration
	log     *zap.Logger
	warned  bool
}

func NewOperator(c chat, proto operatorProtocol, store state.Store, address common.Address, chatID int64, allowedUsers []int64, poll time.Duration, log *zap.Logger) *Operator {
	if log == nil {
		log = zap.NewNop()
	}
	if poll <= 0 {
		poll = 3 * time.Second
	}
	allowed := make(map[int64]struct{}, len(allowedUsers))
	for _, id := range allowedUsers {
		allowed[id] = struct{}{}
	}
	return &Operator{chat: c, proto: proto, store: store, address: address, chatID: chatID, allowed: allowed, poll: poll, log: log}
}

func (o *Operator) Run(ctx context.Context) error {
	offset := o.loadOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		updates, err := o.chat.GetUpdates(ctx, offset, o.poll)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			o.logError(err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(o.poll):
			}
			continue
		}
		if o.warned {
			o.log.Info("telegram operator recovered")
			o.warned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				o.saveOffset(ctx, offset)
			}
			o.handleUpdate(ctx, upd)
		}
	}
}

func (o *Operator) handleUpdate(ctx context.Context, upd alerts.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.Chat.ID != o.chatID {
		return
	}
	if len(o.allowed) > 0 {
		if _, ok := o.allowed[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := o.handleCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if err := o.chat.Send(ctx, resp); err != nil {
		o.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Commands addressed as /pause@somebot.
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd, fields[1:], true
}

func (o *Operator) handleCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return o.status(), nil
	case "pause", "resume":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: /%s <vault>", cmd)
		}
		paused := cmd == "pause"
		_, err := o.proto.Apply(ctx, protocol.Command{
			Op:     protocol.OpSetPaused,
			Caller: o.address,
			Vault:  args[0],
			Flag:   paused,
		})
		event := operatorAuditEvent{
			UpdateID: meta.UpdateID,
			Time:     time.Now().UTC(),
			Action:   cmd,
			Vault:    args[0],
			Command:  meta.Raw,
			UserID:   meta.UserID,
			Username: meta.Username,
			ChatID:   meta.ChatID,
		}
		if err != nil {
			event.Error = err.Error()
		}
		o.audit(ctx, event)
		if err != nil {
			return "", err
		}
		if paused {
			return args[0] + " paused", nil
		}
		return args[0] + " resumed", nil
	default:
		return operatorHelpText(), nil
	}
}

func (o *Operator) status() string {
	var lines []string
	for _, s := range o.proto.Summaries() {
		price := "invalid"
		if s.PriceValid {
			price = wad.Format(s.Price)
		}
		mode := "live"
		switch {
		case s.Unwound:
			mode = "unwound"
		case s.Frozen:
			mode = "frozen"
		case s.Paused:
			mode = "paused"
		}
		lines = append(lines, fmt.Sprintf("%s: %s debt=%s collateral=%s price=%s utilization=%s",
			s.Name, mode, wad.Format(s.TotalDebt), wad.Format(s.TotalCollateral), price, wad.Format(s.Utilization)))
	}
	if len(lines) == 0 {
		return "no vaults"
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - vault summaries",
		"/pause <vault> - pause the vault",
		"/resume <vault> - lift a pause",
	}, "\n")
}

func (o *Operator) logError(err error) {
	if o.warned {
		return
	}
	o.warned = true
	o.log.Warn("telegram operator failed", zap.Error(err))
}

func (o *Operator) loadOffset(ctx context.Context) int64 {
	if o.store == nil {
		return 0
	}
	raw, ok, err := o.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (o *Operator) saveOffset(ctx context.Context, offset int64) {
	if o.store == nil {
		return
	}
	_ = o.store.Set(ctx, operatorOffsetKey, []byte(strconv.FormatInt(offset, 10)))
}

func (o *Operator) audit(ctx context.Context, event operatorAuditEvent) {
	if o.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", event.Time.UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = o.store.Set(ctx, key, payload)
}
