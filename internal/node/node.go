// Package node manages the identity of one attachq instance.
// The id is a ULID generated on first start and kept in the data directory,
// so logs, health checks and the event stream of a restarted process still
// name the same instance.
package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/snehjoshi/attachq/internal/ids"
)

const nodeIDFile = "node_id"

// ID is a ULID string that uniquely identifies an attachq instance.
type ID string

func (id ID) String() string { return string(id) }

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool { return id == "" }

// Node holds the persistent identity of this instance.
type Node struct {
	id      ID
	dataDir string
}

// New creates dataDir if needed and returns a Node whose ID is loaded from
// dataDir/node_id, generating one when the file is absent. A non-empty
// override other than "auto" is used as-is after validation.
func New(dataDir string, override string) (*Node, error) {
	if dataDir == "" {
		return nil, errors.New("node: dataDir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("node: create data dir: %w", err)
	}

	if override != "" && override != "auto" {
		if !ids.Valid(override) {
			return nil, fmt.Errorf("node: invalid id override %q", override)
		}
		return &Node{id: ID(override), dataDir: dataDir}, nil
	}

	id, err := loadOrGenerate(dataDir)
	if err != nil {
		return nil, err
	}
	return &Node{id: id, dataDir: dataDir}, nil
}

// ID returns the instance's stable ULID.
func (n *Node) ID() ID { return n.id }

// DataDir returns the root data directory.
func (n *Node) DataDir() string { return n.dataDir }

// Path resolves p under the data directory unless it is already absolute.
func (n *Node) Path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(n.dataDir, p)
}

func loadOrGenerate(dataDir string) (ID, error) {
	path := filepath.Join(dataDir, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if !ids.Valid(id) {
			return "", fmt.Errorf("node: persisted id %q is invalid", id)
		}
		return ID(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("node: read id file: %w", err)
	}

	fresh, err := ids.New()
	if err != nil {
		return "", fmt.Errorf("node: generate id: %w", err)
	}
	if err := os.WriteFile(path, []byte(fresh+"\n"), 0o640); err != nil {
		return "", fmt.Errorf("node: persist id: %w", err)
	}
	return ID(fresh), nil
}
