package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/arbiter-labs/arbiter/pkg/contracts"
)

// DefaultHookTimeout bounds each pre-authorize hook.
const DefaultHookTimeout = 250 * time.Millisecond

// HookAbort is returned by a pre-authorize hook to veto an intent.
type HookAbort struct {
	Hook   string
	Reason string
}

func (a *HookAbort) Error() string {
	return fmt.Sprintf("hook %s aborted: %s", a.Hook, a.Reason)
}

// Abort builds a HookAbort error for use inside hooks.
func Abort(hook, reason string) error {
	return &HookAbort{Hook: hook, Reason: reason}
}

// PreHook runs before band evaluation and may veto the intent by
// returning a HookAbort. Hooks may await external I/O; the engine
// enforces a hard timeout per hook.
type PreHook interface {
	Name() string
	Before(ctx context.Context, intent *contracts.Intent, profile *contracts.TrustProfile) error
}

// PostHook observes a finished decision. It must not alter it.
type PostHook interface {
	Name() string
	After(ctx context.Context, intent *contracts.Intent, decision *contracts.Decision)
}

// PreHookFunc adapts a function to PreHook.
type PreHookFunc struct {
	HookName string
	Fn       func(ctx context.Context, intent *contracts.Intent, profile *contracts.TrustProfile) error
}

func (h PreHookFunc) Name() string { return h.HookName }

func (h PreHookFunc) Before(ctx context.Context, intent *contracts.Intent, profile *contracts.TrustProfile) error {
	return h.Fn(ctx, intent, profile)
}

// PostHookFunc adapts a function to PostHook.
type PostHookFunc struct {
	HookName string
	Fn       func(ctx context.Context, intent *contracts.Intent, decision *contracts.Decision)
}

func (h PostHookFunc) Name() string { return h.HookName }

func (h PostHookFunc) After(ctx context.Context, intent *contracts.Intent, decision *contracts.Decision) {
	h.Fn(ctx, intent, decision)
}

// runPreHook executes one hook under the engine's timeout, converting
// panics and deadline overruns into aborts so the engine never throws.
func runPreHook(ctx context.Context, hook PreHook, timeout time.Duration, intent *contracts.Intent, profile *contracts.TrustProfile) (err error) {
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Abort(hook.Name(), "hook error")
			}
		}()
		done <- hook.Before(hookCtx, intent, profile)
	}()

	select {
	case err = <-done:
		return err
	case <-hookCtx.Done():
		return Abort(hook.Name(), "hook timeout")
	}
}
