package secrets

import (
	"context"
	"fmt"
	"strings"

	tperrors "github.com/trustplane/trustplane/internal/errors"
)

// refPrefix marks a string value as a reference to another secret.
const refPrefix = "ref:"

// GetAppConfig reads the configuration document at path and resolves
// every embedded "ref:<path>" string to the referenced secret. A
// referenced secret with a single "value" field collapses to that field;
// anything else is embedded as a map. References never resolve
// recursively.
func (f *Facade) GetAppConfig(ctx context.Context, path string) (map[string]interface{}, error) {
	doc, err := f.GetSecret(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, tperrors.NotFoundError{Resource: "app config", Path: path}
	}
	return f.resolveRefs(ctx, doc)
}

func (f *Facade) resolveRefs(ctx context.Context, doc map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(doc))
	for key, value := range doc {
		switch v := value.(type) {
		case string:
			if !strings.HasPrefix(v, refPrefix) {
				out[key] = v
				continue
			}
			resolved, err := f.resolveRef(ctx, strings.TrimPrefix(v, refPrefix))
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %s: %w", key, err)
			}
			out[key] = resolved
		case map[string]interface{}:
			nested, err := f.resolveRefs(ctx, v)
			if err != nil {
				return nil, err
			}
			out[key] = nested
		default:
			out[key] = value
		}
	}
	return out, nil
}

func (f *Facade) resolveRef(ctx context.Context, refPath string) (interface{}, error) {
	value, err := f.GetSecret(ctx, refPath, nil)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, tperrors.NotFoundError{Resource: "referenced secret", Path: refPath}
	}
	if len(value) == 1 {
		if single, ok := value["value"]; ok {
			return single, nil
		}
	}
	return value, nil
}
