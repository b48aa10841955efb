// Package permit signs and verifies EIP-712 permission grants so a principal
// can authorize a grantee without submitting the grant itself.
package permit

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Grant is the signed message: grantor allows (or disallows) grantee to act
// on its behalf. Nonce must match the grantor's next nonce and Deadline is a
// unix timestamp after which the grant is void.
type Grant struct {
	Grantor  common.Address `json:"grantor" msgpack:"grantor"`
	Grantee  common.Address `json:"grantee" msgpack:"grantee"`
	Allowed  bool           `json:"allowed" msgpack:"allowed"`
	Nonce    uint64         `json:"nonce" msgpack:"nonce"`
	Deadline uint64         `json:"deadline" msgpack:"deadline"`
}

type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract common.Address
}

func DefaultDomain() Domain {
	return Domain{Name: "CreditLedger", Version: "1", ChainID: 1}
}

var ErrInvalidSignature = errors.New("permit: invalid signature")

type Signer struct {
	privKey *ecdsa.PrivateKey
	address common.Address
	domain  Domain
}

func NewSigner(hexKey string, domain Domain) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, errors.New("private key is required")
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, err
	}
	addr := crypto.PubkeyToAddress(key.PublicKey)
	return &Signer{privKey: key, address: addr, domain: domain}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns the 65 byte [R || S || V] signature with V in {27, 28}.
func (s *Signer) Sign(grant Grant) ([]byte, error) {
	if grant.Grantor != s.address {
		return nil, fmt.Errorf("permit: grantor %s does not match signer %s", grant.Grantor.Hex(), s.address.Hex())
	}
	digest, err := Digest(s.domain, grant)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that produced sig over grant.
func Recover(domain Domain, grant Grant, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("unexpected signature length %d", len(sig))
	}
	digest, err := Digest(domain, grant)
	if err != nil {
		return common.Address{}, err
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig was produced by grant.Grantor.
func Verify(domain Domain, grant Grant, sig []byte) error {
	signer, err := Recover(domain, grant, sig)
	if err != nil {
		return err
	}
	if signer != grant.Grantor {
		return ErrInvalidSignature
	}
	return nil
}

func Digest(domain Domain, grant Grant) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"ModifyPermission": {
				{Name: "grantor", Type: "address"},
				{Name: "grantee", Type: "address"},
				{Name: "allowed", Type: "bool"},
				{Name: "nonce", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
			},
		},
		PrimaryType: "ModifyPermission",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           math.NewHexOrDecimal256(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"grantor":  grant.Grantor.Hex(),
			"grantee":  grant.Grantee.Hex(),
			"allowed":  grant.Allowed,
			"nonce":    strconv.FormatUint(grant.Nonce, 10),
			"deadline": strconv.FormatUint(grant.Deadline, 10),
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}

// EncodeSignature renders sig as 0x-prefixed hex.
func EncodeSignature(sig []byte) string {
	return hexutil.Encode(sig)
}

func DecodeSignature(s string) ([]byte, error) {
	return hexutil.Decode(strings.TrimSpace(s))
}
