package privval

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blockberries/bondberry/types"
)

const (
	keyFilePerm   = 0600
	stateFilePerm = 0600
)

// FilePV is a file-based signer. The key file holds the node identity and
// ed25519 key pair; the state file holds the last signed (view, sequence,
// hash) per domain and message type so a restarted node cannot equivocate.
type FilePV struct {
	signerCore

	keyFilePath   string
	stateFilePath string
}

// FilePVKey represents the key file structure
type FilePVKey struct {
	NodeID  types.NodeID `json:"node_id"`
	PubKey  []byte       `json:"pub_key"`
	PrivKey []byte       `json:"priv_key"`
}

// FilePVState represents the state file structure
type FilePVState struct {
	LastSign map[string]*LastSignState `json:"last_sign"`
}

// LoadOrGenFilePV loads the key at keyFilePath, generating one for id if
// the file does not exist.
func LoadOrGenFilePV(id types.NodeID, keyFilePath, stateFilePath string) (*FilePV, error) {
	if _, err := os.Stat(keyFilePath); os.IsNotExist(err) {
		return GenerateFilePV(id, keyFilePath, stateFilePath)
	}
	return LoadFilePV(keyFilePath, stateFilePath)
}

// GenerateFilePV generates a new key for id and writes both files
func GenerateFilePV(id types.NodeID, keyFilePath, stateFilePath string) (*FilePV, error) {
	if id.IsEmpty() {
		return nil, fmt.Errorf("%w: empty node id", types.ErrValidation)
	}
	pubKey, privKey, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	pv := newFilePV(id, pubKey, privKey, keyFilePath, stateFilePath)
	if err := pv.saveKey(); err != nil {
		return nil, err
	}
	if err := pv.saveState(); err != nil {
		return nil, err
	}
	return pv, nil
}

// LoadFilePV loads an existing key file and its sign state
func LoadFilePV(keyFilePath, stateFilePath string) (*FilePV, error) {
	data, err := os.ReadFile(keyFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var key FilePVKey
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if key.NodeID.IsEmpty() {
		return nil, fmt.Errorf("%w: key file has no node id", ErrInvalidKey)
	}
	if len(key.PubKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key size %d", ErrInvalidKey, len(key.PubKey))
	}
	if len(key.PrivKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key size %d", ErrInvalidKey, len(key.PrivKey))
	}

	pv := newFilePV(key.NodeID, key.PubKey, key.PrivKey, keyFilePath, stateFilePath)
	if err := pv.loadState(); err != nil {
		return nil, err
	}
	return pv, nil
}

func newFilePV(id types.NodeID, pub ed25519.PublicKey, priv ed25519.PrivateKey, keyPath, statePath string) *FilePV {
	pv := &FilePV{
		signerCore: signerCore{
			id:       id,
			pubKey:   pub,
			privKey:  priv,
			lastSign: make(map[string]*LastSignState),
		},
		keyFilePath:   keyPath,
		stateFilePath: statePath,
	}
	pv.persist = pv.saveState
	return pv
}

// saveKey saves the key to file
func (pv *FilePV) saveKey() error {
	key := FilePVKey{
		NodeID:  pv.id,
		PubKey:  pv.pubKey,
		PrivKey: pv.privKey,
	}
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	return writeFileAtomic(pv.keyFilePath, data, keyFilePerm)
}

// loadState loads the state from file, initializing it if absent
func (pv *FilePV) loadState() error {
	data, err := os.ReadFile(pv.stateFilePath)
	if os.IsNotExist(err) {
		return pv.saveState()
	}
	if err != nil {
		return fmt.Errorf("failed to read state file: %w", err)
	}

	var state FilePVState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	for key, lss := range state.LastSign {
		if lss == nil {
			continue
		}
		pv.lastSign[key] = lss
	}
	return nil
}

// saveState saves the state to file. Callers hold pv.mu or own pv exclusively.
func (pv *FilePV) saveState() error {
	state := FilePVState{LastSign: make(map[string]*LastSignState, len(pv.lastSign))}
	for key, lss := range pv.lastSign {
		state.LastSign[key] = lss
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return writeFileAtomic(pv.stateFilePath, data, stateFilePerm)
}

// Reset clears the last sign state (use with caution!)
func (pv *FilePV) Reset() error {
	pv.mu.Lock()
	defer pv.mu.Unlock()

	pv.lastSign = make(map[string]*LastSignState)
	return pv.saveState()
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over path, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
