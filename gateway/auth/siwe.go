package auth

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const siweHeaderSuffix = " wants you to sign in with your Ethereum account:"

// Message is a parsed EIP-4361 sign-in message.
type Message struct {
	Domain         string
	Address        common.Address
	Statement      string
	URI            string
	Version        string
	ChainID        uint64
	Nonce          string
	IssuedAt       time.Time
	ExpirationTime time.Time
	NotBefore      time.Time
	RequestID      string
	Resources      []string
}

// ParseMessage parses the EIP-4361 text form. Only the header, address and
// Nonce lines are mandatory.
func ParseMessage(raw string) (*Message, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, errors.New("siwe: message too short")
	}
	header := strings.TrimSpace(lines[0])
	if !strings.HasSuffix(header, siweHeaderSuffix) {
		return nil, errors.New("siwe: missing header")
	}
	msg := &Message{Domain: strings.TrimSuffix(header, siweHeaderSuffix)}
	if msg.Domain == "" {
		return nil, errors.New("siwe: missing domain")
	}
	addr := strings.TrimSpace(lines[1])
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("siwe: invalid address %q", addr)
	}
	msg.Address = common.HexToAddress(addr)

	var statement []string
	inResources := false
	for _, line := range lines[2:] {
		trimmed := strings.TrimSpace(line)
		if inResources {
			if strings.HasPrefix(trimmed, "- ") {
				msg.Resources = append(msg.Resources, strings.TrimPrefix(trimmed, "- "))
				continue
			}
			inResources = false
		}
		if trimmed == "Resources:" {
			inResources = true
			continue
		}
		key, value, found := strings.Cut(trimmed, ": ")
		if !found {
			if trimmed != "" {
				statement = append(statement, trimmed)
			}
			continue
		}
		var err error
		switch key {
		case "URI":
			msg.URI = value
		case "Version":
			msg.Version = value
		case "Chain ID":
			msg.ChainID, err = strconv.ParseUint(value, 10, 64)
		case "Nonce":
			msg.Nonce = value
		case "Issued At":
			msg.IssuedAt, err = time.Parse(time.RFC3339, value)
		case "Expiration Time":
			msg.ExpirationTime, err = time.Parse(time.RFC3339, value)
		case "Not Before":
			msg.NotBefore, err = time.Parse(time.RFC3339, value)
		case "Request ID":
			msg.RequestID = value
		default:
			statement = append(statement, trimmed)
		}
		if err != nil {
			return nil, fmt.Errorf("siwe: invalid %s: %w", strings.ToLower(key), err)
		}
	}
	msg.Statement = strings.Join(statement, "\n")
	if msg.Nonce == "" {
		return nil, errors.New("siwe: missing nonce")
	}
	return msg, nil
}

// ValidAt checks the optional validity window.
func (m *Message) ValidAt(now time.Time) error {
	if !m.ExpirationTime.IsZero() && !now.Before(m.ExpirationTime) {
		return errors.New("siwe: message expired")
	}
	if !m.NotBefore.IsZero() && now.Before(m.NotBefore) {
		return errors.New("siwe: message not yet valid")
	}
	return nil
}

// EIP191Verifier recovers the signer of a personal_sign signature.
type EIP191Verifier struct{}

// VerifySignature implements SignatureVerifier.
func (EIP191Verifier) VerifySignature(message, signature string, address common.Address) error {
	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes", ethcrypto.SignatureLength)
	}
	if sig[ethcrypto.RecoveryIDOffset] >= 27 {
		sig[ethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("recover pubkey: %w", err)
	}
	if recovered := ethcrypto.PubkeyToAddress(*pub); recovered != address {
		return fmt.Errorf("recovered signer %s", recovered.Hex())
	}
	return nil
}
