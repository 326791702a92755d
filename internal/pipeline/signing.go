package pipeline

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"go.corebus.dev/internal/errs"
	"go.corebus.dev/internal/message"
)

// SecretSource resolves the current signing key material for a message
// type, kept separate from the decorator itself so the key can come from
// any store and tests can supply a static source. This package provides
// only StaticSecretSource.
type SecretSource interface {
	Secret(ctx context.Context, msgType string) ([]byte, error)
}

// StaticSecretSource returns the same key for every message type.
// Useful for tests and single-tenant deployments.
type StaticSecretSource []byte

func (s StaticSecretSource) Secret(ctx context.Context, msgType string) ([]byte, error) {
	return []byte(s), nil
}

// SigningMode selects how the signature is produced.
type SigningMode int

const (
	// ModeHMAC signs with HMAC-SHA256 over the message ID and type,
	// recording the signature in the message's Metadata. The message Body
	// is not covered by the signature.
	ModeHMAC SigningMode = iota
	// ModeJWT wraps the signature in a JWT whose claims carry the
	// message ID and type, using golang-jwt/jwt/v5.
	ModeJWT
)

// SignatureMetadataKey is where the Signing decorator stores its output
// and where it expects a pre-existing signature to verify, if Verify is
// set.
const SignatureMetadataKey = "corebus.signature"

// deriveKey stretches a raw secret into a fixed-size HMAC key via HKDF, so
// short or low-entropy secrets retrieved from Vault are never used
// directly as MAC keys.
func deriveKey(secret []byte, msgType string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte("corebus-signing:"+msgType))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Signing returns a decorator that attaches a signature to outgoing
// messages (verify=false) or rejects messages whose signature does not
// match (verify=true), using mode to choose the wire representation.
func Signing(source SecretSource, mode SigningMode, verify bool) Decorator {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg message.Message) message.Result {
			secret, err := source.Secret(ctx, msg.Type)
			if err != nil {
				return message.Failure(errs.ErrSignatureInvalid, fmt.Sprintf("signing: could not resolve secret: %v", err))
			}

			if verify {
				sig, ok := msg.Metadata[SignatureMetadataKey]
				if !ok {
					return message.Failure(errs.ErrSignatureInvalid, "signing: missing signature")
				}
				valid, err := validSignature(secret, mode, msg, sig)
				if err != nil || !valid {
					return message.Failure(errs.ErrSignatureInvalid, "signing: signature verification failed")
				}
				return next(ctx, msg)
			}

			sig, err := computeSignature(secret, mode, msg)
			if err != nil {
				return message.Failure(errs.ErrSignatureInvalid, fmt.Sprintf("signing: %v", err))
			}
			signed := msg.WithMetadata(SignatureMetadataKey, sig)
			return next(ctx, signed)
		}
	}
}

func computeSignature(secret []byte, mode SigningMode, msg message.Message) (string, error) {
	switch mode {
	case ModeJWT:
		key, err := deriveKey(secret, msg.Type)
		if err != nil {
			return "", err
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"mid": msg.ID,
			"typ": msg.Type,
		})
		return token.SignedString(key)
	default:
		key, err := deriveKey(secret, msg.Type)
		if err != nil {
			return "", err
		}
		mac := hmac.New(sha256.New, key)
		mac.Write([]byte(msg.ID))
		mac.Write([]byte(msg.Type))
		return hex.EncodeToString(mac.Sum(nil)), nil
	}
}

func validSignature(secret []byte, mode SigningMode, msg message.Message, sig string) (bool, error) {
	switch mode {
	case ModeJWT:
		key, err := deriveKey(secret, msg.Type)
		if err != nil {
			return false, err
		}
		token, err := jwt.Parse(sig, func(t *jwt.Token) (interface{}, error) { return key, nil },
			jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			return false, nil
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			return false, nil
		}
		return claims["mid"] == msg.ID && claims["typ"] == msg.Type, nil
	default:
		expected, err := computeSignature(secret, mode, msg)
		if err != nil {
			return false, err
		}
		return hmac.Equal([]byte(expected), []byte(sig)), nil
	}
}
