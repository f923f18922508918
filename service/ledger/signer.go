package ledger

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer produces signatures over a built transaction. The live
// implementation wraps a configured keypair; tests substitute signers that
// refuse, to exercise the declined path.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(tx *solana.Transaction) error
}

// KeypairSigner signs with an in-process private key.
type KeypairSigner struct {
	key solana.PrivateKey
}

func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

// Sign fills in the signature slots this key controls. It fails if the
// transaction requires a signer the keypair cannot satisfy.
func (s *KeypairSigner) Sign(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.key.PublicKey()) {
			return &s.key
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}
