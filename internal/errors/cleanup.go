package errors

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// CleanupAction releases one acquired resource
type CleanupAction interface {
	// Execute performs the cleanup action
	Execute() error

	// GetDescription returns a description of the cleanup action
	GetDescription() string
}

type funcCleanupAction struct {
	description string
	fn          func() error
}

// CleanupFunc adapts a function into a CleanupAction
func CleanupFunc(description string, fn func() error) CleanupAction {
	return &funcCleanupAction{description: description, fn: fn}
}

func (a *funcCleanupAction) Execute() error {
	return a.fn()
}

func (a *funcCleanupAction) GetDescription() string {
	return a.description
}

// TempDirCleanupAction removes a temporary directory and everything below it
type TempDirCleanupAction struct {
	path string
}

// NewTempDirCleanupAction creates a cleanup action for a temp directory
func NewTempDirCleanupAction(path string) *TempDirCleanupAction {
	return &TempDirCleanupAction{path: path}
}

func (a *TempDirCleanupAction) Execute() error {
	if err := os.RemoveAll(a.path); err != nil {
		return fmt.Errorf("failed to remove %s: %v", a.path, err)
	}
	return nil
}

func (a *TempDirCleanupAction) GetDescription() string {
	return fmt.Sprintf("remove directory %s", a.path)
}

// MountPointCleanupAction removes an empty mount point directory. Removal
// fails while anything is still mounted on it.
type MountPointCleanupAction struct {
	path string
}

// NewMountPointCleanupAction creates a cleanup action for a mount point
func NewMountPointCleanupAction(path string) *MountPointCleanupAction {
	return &MountPointCleanupAction{path: path}
}

func (a *MountPointCleanupAction) Execute() error {
	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove mount point %s: %v", a.path, err)
	}
	return nil
}

func (a *MountPointCleanupAction) GetDescription() string {
	return fmt.Sprintf("remove mount point %s", a.path)
}

// CleanupStack runs cleanup actions in reverse order of registration.
// Resources released explicitly through the function returned by Push are
// not released again by Unwind.
type CleanupStack struct {
	mu      sync.Mutex
	entries []*cleanupEntry
}

type cleanupEntry struct {
	action   CleanupAction
	released bool
}

// NewCleanupStack creates an empty cleanup stack
func NewCleanupStack() *CleanupStack {
	return &CleanupStack{}
}

// Push registers an action and returns a function that releases it early
func (s *CleanupStack) Push(action CleanupAction) func() error {
	entry := &cleanupEntry{action: action}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	return func() error {
		s.mu.Lock()
		if entry.released {
			s.mu.Unlock()
			return nil
		}
		entry.released = true
		s.mu.Unlock()

		if err := action.Execute(); err != nil {
			return fmt.Errorf("%s: %v", action.GetDescription(), err)
		}
		return nil
	}
}

// Pending returns the descriptions of unreleased actions, most recent first
func (s *CleanupStack) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []string
	for i := len(s.entries) - 1; i >= 0; i-- {
		if !s.entries[i].released {
			pending = append(pending, s.entries[i].action.GetDescription())
		}
	}
	return pending
}

// Unwind executes every unreleased action, most recent first. All actions run
// even when some fail; failures are returned together.
func (s *CleanupStack) Unwind() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = nil
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		if entry.released {
			continue
		}
		entry.released = true

		if err := entry.action.Execute(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %v", entry.action.GetDescription(), err))
		}
	}

	if result == nil {
		return nil
	}
	result.ErrorFormat = joinErrors
	return result
}

func joinErrors(errs []error) string {
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}
	return strings.Join(messages, "; ")
}
