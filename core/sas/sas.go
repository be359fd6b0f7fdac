// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package sas builds, signs, parses and verifies shared access signatures.

The wire format is fixed and accepted by the hub byte-for-byte:

  SharedAccessSignature sr=<resource>&sig=<signature>&se=<expiry>[&skn=<key name>]

All values are percent-encoded. The signature is the base64 encoded HMAC-SHA256 of
the string-to-sign "<encoded resource>\n<expiry>".
*/
package sas

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relabs-tech/kurbisio-device/core"
)

// Prefix starts every shared access signature
const Prefix = "SharedAccessSignature "

// the field names of the wire format
const (
	fieldResource  = "sr"
	fieldSignature = "sig"
	fieldExpiry    = "se"
	fieldKeyName   = "skn"
)

// Signer turns a string-to-sign into a signature. Implementations may block,
// for example while a hardware module computes the signature.
type Signer interface {
	Sign(ctx context.Context, data []byte) ([]byte, error)
}

// SignerFunc adapts a function to the Signer interface
type SignerFunc func(ctx context.Context, data []byte) ([]byte, error)

// Sign calls f(ctx, data)
func (f SignerFunc) Sign(ctx context.Context, data []byte) ([]byte, error) {
	return f(ctx, data)
}

// SharedAccessSignature is a parsed shared access signature.
//
// Expiry is kept as it appeared on the wire; use ExpiresAt() for the time.
type SharedAccessSignature struct {
	ResourceURI string
	Signature   string // base64 encoded
	Expiry      string
	KeyName     string
}

// Encode percent-encodes s. Everything except the RFC 3986 unreserved characters
// is encoded, hex digits are upper case.
func Encode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// StringToSign returns the canonical string which gets signed for resourceURI and expiry
func StringToSign(resourceURI string, expiry uint64) string {
	return Encode(resourceURI) + "\n" + strconv.FormatUint(expiry, 10)
}

// Assemble returns the wire representation of a shared access signature. The key name
// is only appended when it is not empty.
func Assemble(resourceURI string, signature []byte, expiry uint64, keyName string) string {
	return assemble(resourceURI, base64.StdEncoding.EncodeToString(signature), strconv.FormatUint(expiry, 10), keyName)
}

func assemble(resourceURI, signature, expiry, keyName string) string {
	var b strings.Builder
	b.WriteString(Prefix)
	b.WriteString(fieldResource + "=" + Encode(resourceURI))
	b.WriteString("&" + fieldSignature + "=" + Encode(signature))
	b.WriteString("&" + fieldExpiry + "=" + expiry)
	if len(keyName) > 0 {
		b.WriteString("&" + fieldKeyName + "=" + Encode(keyName))
	}
	return b.String()
}

// Parse parses the wire representation of a shared access signature. It fails with a
// *core.ArgumentError if the prefix is missing or if any of sr, sig and se is absent.
// The key name skn is optional.
func Parse(raw string) (*SharedAccessSignature, error) {
	if !strings.HasPrefix(raw, Prefix) {
		return nil, core.NewArgumentError("sharedAccessSignature", "missing prefix '%s'", strings.TrimSpace(Prefix))
	}

	fields := map[string]string{}
	for _, pair := range strings.Split(strings.TrimPrefix(raw, Prefix), "&") {
		if len(pair) == 0 {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		decoded, err := url.PathUnescape(value)
		if err != nil {
			return nil, core.NewArgumentError("sharedAccessSignature", "cannot decode field %s: %v", key, err)
		}
		fields[key] = decoded
	}

	for _, required := range []string{fieldResource, fieldSignature, fieldExpiry} {
		if _, ok := fields[required]; !ok {
			return nil, core.NewArgumentError("sharedAccessSignature", "missing field %s", required)
		}
	}

	return &SharedAccessSignature{
		ResourceURI: fields[fieldResource],
		Signature:   fields[fieldSignature],
		Expiry:      fields[fieldExpiry],
		KeyName:     fields[fieldKeyName],
	}, nil
}

// String returns the wire representation
func (s *SharedAccessSignature) String() string {
	return assemble(s.ResourceURI, s.Signature, s.Expiry, s.KeyName)
}

// SignatureBytes returns the decoded signature
func (s *SharedAccessSignature) SignatureBytes() ([]byte, error) {
	sig, err := base64.StdEncoding.DecodeString(s.Signature)
	if err != nil {
		return nil, core.NewArgumentError("sig", "not base64: %v", err)
	}
	return sig, nil
}

// ExpiryValue returns the expiry in seconds since the epoch
func (s *SharedAccessSignature) ExpiryValue() (uint64, error) {
	expiry, err := strconv.ParseUint(s.Expiry, 10, 64)
	if err != nil {
		return 0, core.NewArgumentError("se", "'%s' is not a decimal number", s.Expiry)
	}
	return expiry, nil
}

// ExpiresAt returns the expiry as time
func (s *SharedAccessSignature) ExpiresAt() (time.Time, error) {
	expiry, err := s.ExpiryValue()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(expiry), 0), nil
}

// IsExpired returns true if the signature is expired at now. Signatures with an
// unreadable expiry count as expired.
func (s *SharedAccessSignature) IsExpired(now time.Time) bool {
	expiresAt, err := s.ExpiresAt()
	if err != nil {
		return true
	}
	return !now.Before(expiresAt)
}

// DecodeKey decodes a base64 key. Padding is optional, as keys are often copied
// around without it.
func DecodeKey(key string) ([]byte, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(key), "=")
	decoded, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(trimmed)
	}
	if err != nil {
		return nil, core.NewArgumentError("key", "not base64: %v", err)
	}
	return decoded, nil
}

// Sign returns the HMAC-SHA256 of stringToSign with key
func Sign(key []byte, stringToSign string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(stringToSign))
	return mac.Sum(nil)
}

// Create creates a shared access signature for resourceURI signed with the base64
// encoded key.
func Create(resourceURI, keyName, key string, expiry uint64) (*SharedAccessSignature, error) {
	decoded, err := DecodeKey(key)
	if err != nil {
		return nil, err
	}
	signature := Sign(decoded, StringToSign(resourceURI, expiry))
	return &SharedAccessSignature{
		ResourceURI: resourceURI,
		Signature:   base64.StdEncoding.EncodeToString(signature),
		Expiry:      strconv.FormatUint(expiry, 10),
		KeyName:     keyName,
	}, nil
}

// CreateWithSigner creates a shared access signature for resourceURI with a signer.
// Errors of the signer are returned unchanged.
func CreateWithSigner(ctx context.Context, resourceURI, keyName string, expiry uint64, signer Signer) (*SharedAccessSignature, error) {
	signature, err := signer.Sign(ctx, []byte(StringToSign(resourceURI, expiry)))
	if err != nil {
		return nil, err
	}
	return &SharedAccessSignature{
		ResourceURI: resourceURI,
		Signature:   base64.StdEncoding.EncodeToString(signature),
		Expiry:      strconv.FormatUint(expiry, 10),
		KeyName:     keyName,
	}, nil
}

// DeviceResourceURI returns the resource URI of a device, or of a module if moduleID
// is not empty.
func DeviceResourceURI(host, deviceID, moduleID string) string {
	uri := host + "/devices/" + Encode(deviceID)
	if len(moduleID) > 0 {
		uri += "/modules/" + Encode(moduleID)
	}
	return uri
}

// CreateForDevice creates a device shared access signature without key name
func CreateForDevice(host, deviceID, key string, expiry uint64) (*SharedAccessSignature, error) {
	return Create(DeviceResourceURI(host, deviceID, ""), "", key, expiry)
}

// Verify checks that token is signed with key and not expired at now. It returns a
// *core.ArgumentError describing the first problem found.
func Verify(token *SharedAccessSignature, key []byte, now time.Time) error {
	if token == nil {
		return core.NewArgumentError("token", "must not be nil")
	}
	expiry, err := token.ExpiryValue()
	if err != nil {
		return err
	}
	signature, err := token.SignatureBytes()
	if err != nil {
		return err
	}
	expected := Sign(key, StringToSign(token.ResourceURI, expiry))
	if !hmac.Equal(signature, expected) {
		return core.NewArgumentError("sig", "signature does not match")
	}
	if token.IsExpired(now) {
		return core.NewArgumentError("se", "token expired at %s", time.Unix(int64(expiry), 0).UTC().Format(time.RFC3339))
	}
	return nil
}
