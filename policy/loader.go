package policy

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LoadDir compiles every .rego file under dir. Policies are named by their
// path relative to dir. It returns the number of policies loaded.
func (g *Guard) LoadDir(ctx context.Context, dir string) (int, error) {
	ctx, span := g.tracer.Start(ctx, "policy.load_dir",
		trace.WithAttributes(attribute.String("policy.dir", dir)))
	defer span.End()

	if _, err := os.Stat(dir); err != nil {
		return 0, fmt.Errorf("policy path %s: %w", dir, err)
	}

	loaded := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}

		code, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", path, err)
		}
		name, err := filepath.Rel(dir, path)
		if err != nil {
			name = filepath.Base(path)
		}
		if err := g.LoadPolicy(ctx, filepath.ToSlash(name), string(code)); err != nil {
			return err
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, err
	}

	g.logger.Info().Str("dir", dir).Int("policies", loaded).Msg("policies loaded")
	return loaded, nil
}
