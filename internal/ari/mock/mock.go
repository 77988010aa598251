// Package mock provides a test double for the ari.ControlPlane interface.
//
// Use ControlPlane to verify the order of control-plane operations a call
// performs and to script operation failures. Play invocations are recorded
// and can be completed from the test via PlaybackIDs; use the per-operation
// Err fields to simulate failures.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/aribridge/internal/ari"
)

// Op records a single control-plane invocation, with its arguments joined
// for simple assertions, e.g. "Play(ch-1, sound:/tmp/seg-1)".
type Op string

// ControlPlane is a mock implementation of ari.ControlPlane.
type ControlPlane struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// AnswerErr, BridgeErr, AddChannelErr, SnoopErr, ExternalMediaErr,
	// PlayErr, DestroyErr and DeleteErr are returned by the corresponding
	// operation when non-nil.
	AnswerErr        error
	BridgeErr        error
	AddChannelErr    error
	SnoopErr         error
	ExternalMediaErr error
	PlayErr          error
	DestroyErr       error
	DeleteErr        error

	// PlayErrOnce makes only the first Play call fail with PlayErr.
	PlayErrOnce bool

	// --- Recorded state ---

	ops        []Op
	playCount  int
	bridgeSeq  int
	channelSeq int
}

var _ ari.ControlPlane = (*ControlPlane)(nil)

// Ops returns a copy of the recorded operations in invocation order.
func (m *ControlPlane) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Op, len(m.ops))
	copy(out, m.ops)
	return out
}

// record appends one formatted operation.
func (m *ControlPlane) record(format string, args ...any) {
	m.ops = append(m.ops, Op(fmt.Sprintf(format, args...)))
}

// AnswerChannel records the call and returns AnswerErr.
func (m *ControlPlane) AnswerChannel(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AnswerChannel(%s)", channelID)
	return m.AnswerErr
}

// CreateBridge records the call and returns a generated bridge id.
func (m *ControlPlane) CreateBridge(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateBridge()")
	if m.BridgeErr != nil {
		return "", m.BridgeErr
	}
	m.bridgeSeq++
	return fmt.Sprintf("bridge-%d", m.bridgeSeq), nil
}

// AddChannelToBridge records the call and returns AddChannelErr.
func (m *ControlPlane) AddChannelToBridge(_ context.Context, bridgeID, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AddChannelToBridge(%s, %s)", bridgeID, channelID)
	return m.AddChannelErr
}

// SnoopChannel records the call and returns a generated snoop channel id.
func (m *ControlPlane) SnoopChannel(_ context.Context, channelID, spy string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SnoopChannel(%s, %s)", channelID, spy)
	if m.SnoopErr != nil {
		return "", m.SnoopErr
	}
	m.channelSeq++
	return fmt.Sprintf("snoop-%d", m.channelSeq), nil
}

// StartExternalMedia records the call and returns a generated channel id.
func (m *ControlPlane) StartExternalMedia(_ context.Context, hostPort, format string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("StartExternalMedia(%s, %s)", hostPort, format)
	if m.ExternalMediaErr != nil {
		return "", m.ExternalMediaErr
	}
	m.channelSeq++
	return fmt.Sprintf("extmedia-%d", m.channelSeq), nil
}

// Play records the call and returns a generated playback id. The test is
// responsible for delivering the matching PlaybackFinished event.
func (m *ControlPlane) Play(_ context.Context, channelID, mediaURI string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Play(%s, %s)", channelID, mediaURI)
	if m.PlayErr != nil {
		err := m.PlayErr
		if m.PlayErrOnce {
			m.PlayErr = nil
		}
		return "", err
	}
	m.playCount++
	return fmt.Sprintf("playback-%d", m.playCount), nil
}

// PlayCount returns how many Play calls succeeded.
func (m *ControlPlane) PlayCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playCount
}

// DestroyBridge records the call and returns DestroyErr.
func (m *ControlPlane) DestroyBridge(_ context.Context, bridgeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DestroyBridge(%s)", bridgeID)
	return m.DestroyErr
}

// DeleteChannel records the call and returns DeleteErr.
func (m *ControlPlane) DeleteChannel(_ context.Context, channelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteChannel(%s)", channelID)
	return m.DeleteErr
}
