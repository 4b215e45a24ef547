package objid

import (
	"crypto/ed25519"
	"time"

	"cyfscore/cyfserr"
)

// Sign produces a Signature over data using priv, recording source and now
// as sign_time. The teacher (core/security.go) signs with
// ed25519 directly from the standard library, so this package follows suit
// rather than reaching for a third-party signature library.
func Sign(data []byte, priv ed25519.PrivateKey, source SignatureSource, now time.Time) Signature {
	return Signature{
		Source:   source,
		Bytes:    ed25519.Sign(priv, data),
		SignTime: now.Unix(),
	}
}

// KeyResolver resolves a SignatureSource to the public key that should have
// produced it. RefObject lookups go through an external object store (the
// NOC, in practice) since the key lives in an owner object by id.
type KeyResolver interface {
	ResolveKey(source SignatureSource, desc *Desc) (ed25519.PublicKey, error)
}

// FuncResolver adapts a plain function to KeyResolver.
type FuncResolver func(source SignatureSource, desc *Desc) (ed25519.PublicKey, error)

func (f FuncResolver) ResolveKey(source SignatureSource, desc *Desc) (ed25519.PublicKey, error) {
	return f(source, desc)
}

// DefaultResolver resolves SourceRefIndex against desc.PublicKeys and
// SourceInlineKey directly; SourceRefObject is delegated to lookup.
func DefaultResolver(lookup func(id ObjId) (ed25519.PublicKey, error)) KeyResolver {
	return FuncResolver(func(source SignatureSource, desc *Desc) (ed25519.PublicKey, error) {
		switch source.Kind {
		case SourceRefIndex:
			if int(source.RefIndex) >= len(desc.PublicKeys) {
				return nil, cyfserr.New(cyfserr.InvalidSignature, "objid: signature source index out of range", nil)
			}
			return ed25519.PublicKey(desc.PublicKeys[source.RefIndex]), nil
		case SourceInlineKey:
			return ed25519.PublicKey(source.InlineKey), nil
		case SourceRefObject:
			if lookup == nil {
				return nil, cyfserr.New(cyfserr.UnSupport, "objid: no owner-object key lookup configured", nil)
			}
			return lookup(source.RefObject)
		default:
			return nil, cyfserr.New(cyfserr.InvalidFormat, "objid: unknown signature source", nil)
		}
	})
}

// Verify resolves sig's key through resolver and checks sig over data, which
// the caller supplies as the hash-purpose bytes; VerifyDesc and VerifyBody
// compute those bytes before calling it.
func Verify(data []byte, sig Signature, desc *Desc, resolver KeyResolver) error {
	key, err := resolver.ResolveKey(sig.Source, desc)
	if err != nil {
		return err
	}
	if len(key) != ed25519.PublicKeySize {
		return cyfserr.New(cyfserr.InvalidSignature, "objid: malformed public key", nil)
	}
	if !ed25519.Verify(key, data, sig.Bytes) {
		return cyfserr.New(cyfserr.InvalidSignature, "objid: signature verification failed", nil)
	}
	return nil
}

// VerifyDesc verifies every signature in sigs against the desc's
// hash-purpose bytes.
func VerifyDesc(desc *Desc, sigs *SignatureSet, resolver KeyResolver) error {
	data := desc.EncodeCanonical()
	for _, sig := range sigs.Signatures {
		if err := Verify(data, sig, desc, resolver); err != nil {
			return err
		}
	}
	return nil
}

// VerifyBody verifies every body signature against the body's own canonical
// bytes combined with the owning desc (needed to resolve SourceRefIndex
// keys).
func VerifyBody(desc *Desc, body *Body, sigs *SignatureSet, resolver KeyResolver) error {
	data := body.EncodeCanonical()
	for _, sig := range sigs.Signatures {
		if err := Verify(data, sig, desc, resolver); err != nil {
			return err
		}
	}
	return nil
}
