package ari

import (
	"context"

	"github.com/MrWong99/aribridge/internal/resilience"
)

// breakerControlPlane guards a [ControlPlane] with a circuit breaker so a
// stalled control plane fails calls fast instead of stacking up request
// timeouts.
type breakerControlPlane struct {
	next ControlPlane
	cb   *resilience.CircuitBreaker
}

// WithBreaker wraps cp so every operation runs through cb.
func WithBreaker(cp ControlPlane, cb *resilience.CircuitBreaker) ControlPlane {
	return &breakerControlPlane{next: cp, cb: cb}
}

func (b *breakerControlPlane) AnswerChannel(ctx context.Context, channelID string) error {
	return b.cb.Execute(func() error { return b.next.AnswerChannel(ctx, channelID) })
}

func (b *breakerControlPlane) CreateBridge(ctx context.Context) (string, error) {
	var id string
	err := b.cb.Execute(func() error {
		var err error
		id, err = b.next.CreateBridge(ctx)
		return err
	})
	return id, err
}

func (b *breakerControlPlane) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	return b.cb.Execute(func() error { return b.next.AddChannelToBridge(ctx, bridgeID, channelID) })
}

func (b *breakerControlPlane) SnoopChannel(ctx context.Context, channelID, spy string) (string, error) {
	var id string
	err := b.cb.Execute(func() error {
		var err error
		id, err = b.next.SnoopChannel(ctx, channelID, spy)
		return err
	})
	return id, err
}

func (b *breakerControlPlane) StartExternalMedia(ctx context.Context, hostPort, format string) (string, error) {
	var id string
	err := b.cb.Execute(func() error {
		var err error
		id, err = b.next.StartExternalMedia(ctx, hostPort, format)
		return err
	})
	return id, err
}

func (b *breakerControlPlane) Play(ctx context.Context, channelID, mediaURI string) (string, error) {
	var id string
	err := b.cb.Execute(func() error {
		var err error
		id, err = b.next.Play(ctx, channelID, mediaURI)
		return err
	})
	return id, err
}

func (b *breakerControlPlane) DestroyBridge(ctx context.Context, bridgeID string) error {
	return b.cb.Execute(func() error { return b.next.DestroyBridge(ctx, bridgeID) })
}

func (b *breakerControlPlane) DeleteChannel(ctx context.Context, channelID string) error {
	return b.cb.Execute(func() error { return b.next.DeleteChannel(ctx, channelID) })
}
