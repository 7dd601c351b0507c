package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

const genesisHashSeed = "SynthLedger:genesis:v1"

// Digest produces canonical bytes over both ledgers: collateral entries
// sorted by (account, asset), then debt entries sorted by account. Amounts
// are 32-byte big-endian. Used for snapshot integrity and the record hash
// chain; the encoding must stay deterministic across processes.
func Digest(collateral *CollateralLedger, debt *DebtLedger) []byte {
	buf := make([]byte, 0, 1024)

	accounts := collateral.Accounts()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].String() < accounts[j].String()
	})

	for _, account := range accounts {
		byAsset := collateral.deposits[account]

		assets := make([]string, 0, len(byAsset))
		for asset := range byAsset {
			assets = append(assets, asset)
		}
		sort.Strings(assets)

		for _, asset := range assets {
			buf = append(buf, account[:]...)
			buf = append(buf, byte(len(asset)))
			buf = append(buf, []byte(asset)...)
			amt := byAsset[asset].Bytes32()
			buf = append(buf, amt[:]...)
		}
	}

	debtors := debt.Accounts()
	sort.Slice(debtors, func(i, j int) bool {
		return debtors[i].String() < debtors[j].String()
	})

	for _, account := range debtors {
		buf = append(buf, account[:]...)
		amt := debt.minted[account].Bytes32()
		buf = append(buf, amt[:]...)
	}

	return buf
}

// StateHasher chains per-operation state hashes:
// hash[N] = SHA-256(prev_hash || sequence || digest).
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: sha256.Sum256([]byte(genesisHashSeed)),
	}
}

// ComputeHash advances the chain and returns the new tip.
func (h *StateHasher) ComputeHash(sequence int64, digest []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])
	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// PrevHash returns the current chain tip.
func (h *StateHasher) PrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash seeds the chain tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}
