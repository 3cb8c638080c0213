package coordinator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/3leaps/godispatch/pkg/manifest"
	"github.com/3leaps/godispatch/pkg/terminal"
)

// BatchReport lists what ApplyManifest did.
type BatchReport struct {
	// Registered holds the ids of newly registered terminals.
	Registered []string `json:"registered"`

	// Existing holds the ids of terminals that were already registered.
	Existing []string `json:"existing"`

	// Submitted holds the created task ids in manifest order.
	Submitted []Submission `json:"submitted"`
}

// ApplyManifest registers the manifest's terminals, then submits its tasks in
// file order. It stops at the first failure and returns the partial report.
func (c *Coordinator) ApplyManifest(ctx context.Context, m *manifest.Manifest) (*BatchReport, error) {
	report := &BatchReport{}

	for i, entry := range m.Terminals {
		t, err := c.RegisterTerminal(ctx, terminal.Info{
			ID:       entry.ID,
			Type:     entry.Type,
			Metadata: stringMetadata(entry.Metadata),
		})
		if terminal.IsAlreadyRegistered(err) {
			report.Existing = append(report.Existing, entry.ID)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("terminals[%d]: %w", i, err)
		}
		report.Registered = append(report.Registered, t.ID)
	}

	for i, entry := range m.Tasks {
		sub, err := c.Submit(ctx, entry.Data, string(entry.TaskPriority()), entry.Terminal)
		if err != nil {
			return report, fmt.Errorf("tasks[%d]: %w", i, err)
		}
		report.Submitted = append(report.Submitted, *sub)
	}

	c.logger.Info("Batch applied",
		zap.Int("registered", len(report.Registered)),
		zap.Int("existing", len(report.Existing)),
		zap.Int("submitted", len(report.Submitted)))
	return report, nil
}

func stringMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
