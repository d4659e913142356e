package embedding

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Projection maps a native text embedding (Cols wide) into the image space
// (Rows wide). Weights is row-major. The file is produced offline by the
// alignment job and carries a version so a catalog can be tied to it.
type Projection struct {
	Version string    `json:"version"`
	Rows    int       `json:"rows"`
	Cols    int       `json:"cols"`
	Weights []float32 `json:"weights"`
}

func LoadProjection(path string) (*Projection, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read projection: %w", err)
	}
	var p Projection
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode projection %s: %w", path, err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("projection %s: %w", path, err)
	}
	return &p, nil
}

func (p *Projection) validate() error {
	if strings.TrimSpace(p.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if p.Rows <= 0 || p.Cols <= 0 {
		return fmt.Errorf("invalid shape %dx%d", p.Rows, p.Cols)
	}
	if len(p.Weights) != p.Rows*p.Cols {
		return fmt.Errorf("expected %d weights, got %d", p.Rows*p.Cols, len(p.Weights))
	}
	return nil
}

func (p *Projection) Apply(v []float32) ([]float32, error) {
	if len(v) != p.Cols {
		return nil, fmt.Errorf("projection %s expects width %d, got %d", p.Version, p.Cols, len(v))
	}
	out := make([]float32, p.Rows)
	for r := 0; r < p.Rows; r++ {
		row := p.Weights[r*p.Cols : (r+1)*p.Cols]
		var sum float32
		for c, w := range row {
			sum += w * v[c]
		}
		out[r] = sum
	}
	return out, nil
}
