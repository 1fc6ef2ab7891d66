package primitive

import "context"

// Spawner lets a running unit request a nested execution. The harness binds
// one to each execution's context before invoking the terminal primitive;
// a spawn issued through it inherits the caller's token and charges the
// caller's budget rather than a fresh allowance.
type Spawner interface {
	Spawn(ctx context.Context, ref string, params map[string]any) (*Result, error)
}

type spawnerKey struct{}

// WithSpawner binds a spawner to the context.
func WithSpawner(ctx context.Context, s Spawner) context.Context {
	return context.WithValue(ctx, spawnerKey{}, s)
}

// SpawnerFrom returns the spawner bound to the context, or nil when the
// call is not running under a harness.
func SpawnerFrom(ctx context.Context) Spawner {
	s, _ := ctx.Value(spawnerKey{}).(Spawner)
	return s
}
