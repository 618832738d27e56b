// Package remote defines how the edit workflow talks to the system that owns
// the file: fetch content with its version tag, and write content back only
// if that tag is still current.
package remote

import (
	"context"
	"fmt"
	"time"

	"zedit/internal/errors"
	"zedit/shared/types"
)

// Gateway is implemented by every remote transport.
//
// Upload must be a conditional write enforced by the remote: it succeeds only
// when the remote's current tag equals expectedTag, and returns a
// VERSION_CONFLICT error otherwise.
type Gateway interface {
	Fetch(ctx context.Context, target shared.Target) (shared.Snapshot, error)
	Upload(ctx context.Context, target shared.Target, content []byte, expectedTag string) (string, error)
}

// Credentials are handed to transports as-is; nothing above the transport reads them.
type Credentials struct {
	User     string
	Password string
}

// Router sends each target to the gateway registered for its kind
type Router struct {
	gateways map[shared.TargetKind]Gateway
}

func NewRouter() *Router {
	return &Router{gateways: make(map[shared.TargetKind]Gateway)}
}

func (r *Router) Register(kind shared.TargetKind, gw Gateway) *Router {
	r.gateways[kind] = gw
	return r
}

func (r *Router) Supports(kind shared.TargetKind) bool {
	_, ok := r.gateways[kind]
	return ok
}

func (r *Router) route(target shared.Target) (Gateway, error) {
	gw, ok := r.gateways[target.Kind]
	if !ok {
		return nil, errors.ValidationError(fmt.Sprintf("no remote configured for %s targets", target.Kind), nil).WithTarget(target.String())
	}
	return gw, nil
}

func (r *Router) Fetch(ctx context.Context, target shared.Target) (shared.Snapshot, error) {
	gw, err := r.route(target)
	if err != nil {
		return shared.Snapshot{}, err
	}
	return gw.Fetch(ctx, target)
}

func (r *Router) Upload(ctx context.Context, target shared.Target, content []byte, expectedTag string) (string, error) {
	gw, err := r.route(target)
	if err != nil {
		return "", err
	}
	return gw.Upload(ctx, target, content, expectedTag)
}

// Observer receives one call per gateway operation.
type Observer interface {
	RecordRemote(op string, kind string, outcome string, duration time.Duration, bytes int)
}

type instrumented struct {
	next Gateway
	obs  Observer
}

// Instrument wraps gw so every call is reported to obs.
func Instrument(gw Gateway, obs Observer) Gateway {
	if obs == nil {
		return gw
	}
	return &instrumented{next: gw, obs: obs}
}

func (g *instrumented) Fetch(ctx context.Context, target shared.Target) (shared.Snapshot, error) {
	start := time.Now()
	snap, err := g.next.Fetch(ctx, target)
	g.obs.RecordRemote("fetch", string(target.Kind), Outcome(err), time.Since(start), len(snap.Content))
	return snap, err
}

func (g *instrumented) Upload(ctx context.Context, target shared.Target, content []byte, expectedTag string) (string, error) {
	start := time.Now()
	tag, err := g.next.Upload(ctx, target, content, expectedTag)
	n := 0
	if err == nil {
		n = len(content)
	}
	g.obs.RecordRemote("upload", string(target.Kind), Outcome(err), time.Since(start), n)
	return tag, err
}

// Outcome is a low-cardinality label for err.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	if t := errors.TypeOf(err); t != "" {
		return string(t)
	}
	return "error"
}
