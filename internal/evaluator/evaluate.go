package evaluator

import (
	"context"
	"fmt"

	"github.com/danmuck/pklctl/internal/result"
)

// Evaluate runs src, or expr within src when expr is non-nil, and decodes
// the result tree.
func (m *Manager) Evaluate(ctx context.Context, evaluatorID int64, src ModuleSource, expr *string) (any, error) {
	raw, err := m.EvaluateRaw(ctx, evaluatorID, src, expr)
	if err != nil {
		return nil, err
	}
	return result.Decode(raw)
}

// EvaluateModule evaluates the whole module and returns its object.
func (m *Manager) EvaluateModule(ctx context.Context, evaluatorID int64, src ModuleSource) (*result.Object, error) {
	raw, err := m.EvaluateRaw(ctx, evaluatorID, src, nil)
	if err != nil {
		return nil, err
	}
	return result.DecodeObject(raw)
}

func (m *Manager) EvaluateExpression(ctx context.Context, evaluatorID int64, src ModuleSource, expr string) (any, error) {
	return m.Evaluate(ctx, evaluatorID, src, &expr)
}

// EvaluateOutputText renders the module in the evaluator's output format.
func (m *Manager) EvaluateOutputText(ctx context.Context, evaluatorID int64, src ModuleSource) (string, error) {
	v, err := m.EvaluateExpression(ctx, evaluatorID, src, "output.text")
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: output.text is %T", ErrUnexpectedResponse, v)
	}
	return s, nil
}

func (m *Manager) EvaluateOutputValue(ctx context.Context, evaluatorID int64, src ModuleSource) (any, error) {
	return m.EvaluateExpression(ctx, evaluatorID, src, "output.value")
}

// EvaluateOutputFiles renders a multi-file module and returns file contents
// keyed by path.
func (m *Manager) EvaluateOutputFiles(ctx context.Context, evaluatorID int64, src ModuleSource) (map[string]string, error) {
	v, err := m.EvaluateExpression(ctx, evaluatorID, src, "output.files.toMap().mapValues((_, it) -> it.text)")
	if err != nil {
		return nil, err
	}
	mapping, ok := v.(*result.Mapping)
	if !ok {
		return nil, fmt.Errorf("%w: output.files is %T", ErrUnexpectedResponse, v)
	}
	files := make(map[string]string, len(mapping.Entries))
	for _, e := range mapping.Entries {
		name, okName := e.Key.(string)
		text, okText := e.Value.(string)
		if !okName || !okText {
			return nil, fmt.Errorf("%w: output.files entry %v", ErrUnexpectedResponse, e.Key)
		}
		files[name] = text
	}
	return files, nil
}
