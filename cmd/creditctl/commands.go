package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"creditvault/internal/client"
	"creditvault/internal/config"
	"creditvault/internal/permit"
	"creditvault/internal/protocol"
)

// readCommand decodes one command, rejecting unknown fields so a typo does
// not silently drop an argument.
func readCommand(path string, stdin io.Reader) (protocol.Command, error) {
	var r io.Reader = stdin
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return protocol.Command{}, err
		}
		r = bytes.NewReader(raw)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var cmd protocol.Command
	if err := dec.Decode(&cmd); err != nil {
		return protocol.Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Op == "" {
		return protocol.Command{}, errors.New("command op is required")
	}
	return cmd, nil
}

// grantCommand signs grant and wraps it in a modify_permission_with_sig
// command. The caller is the grantee, who submits on the grantor's behalf.
func grantCommand(signer *permit.Signer, grant permit.Grant) (protocol.Command, error) {
	sig, err := signer.Sign(grant)
	if err != nil {
		return protocol.Command{}, err
	}
	return protocol.Command{
		Op:        protocol.OpModifyPermissionWithSig,
		Caller:    grant.Grantee,
		Grant:     &grant,
		Signature: permit.EncodeSignature(sig),
	}, nil
}

func signPermit(ctx context.Context, c *client.Client, fs *flag.FlagSet, args []string) (any, error) {
	grantee := fs.String("grantee", "", "address allowed to act for the signer")
	allowed := fs.Bool("allow", true, "grant (true) or revoke (false)")
	nonce := fs.Int64("nonce", -1, "grantor nonce (default: read from the node)")
	ttl := fs.Duration("ttl", time.Hour, "validity from now")
	chainID := fs.Int64("chain-id", 1, "chain id of the permit domain")
	submit := fs.Bool("submit", false, "submit the signed grant instead of printing it")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	key := strings.TrimSpace(os.Getenv("CREDIT_PRIVATE_KEY"))
	if key == "" {
		return nil, errors.New("CREDIT_PRIVATE_KEY is required")
	}
	domain := permit.DefaultDomain()
	domain.ChainID = *chainID
	signer, err := permit.NewSigner(key, domain)
	if err != nil {
		return nil, err
	}
	to, err := config.ParseAddress(*grantee)
	if err != nil {
		return nil, fmt.Errorf("grantee: %w", err)
	}
	n := uint64(*nonce)
	if *nonce < 0 {
		account, err := c.Account(ctx, signer.Address())
		if err != nil {
			return nil, fmt.Errorf("read nonce: %w", err)
		}
		n = account.Nonce
	}
	cmd, err := grantCommand(signer, permit.Grant{
		Grantor:  signer.Address(),
		Grantee:  to,
		Allowed:  *allowed,
		Nonce:    n,
		Deadline: uint64(time.Now().Add(*ttl).Unix()),
	})
	if err != nil {
		return nil, err
	}
	if !*submit {
		return cmd, nil
	}
	return c.Submit(ctx, cmd)
}
