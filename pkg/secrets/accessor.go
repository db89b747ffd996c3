package secrets

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tperrors "github.com/trustplane/trustplane/internal/errors"
	"github.com/trustplane/trustplane/pkg/secretstore"
)

// Accessor reads secrets below a fixed base path with typed field
// conversion. It shares the parent facade's cache and retry behavior.
type Accessor struct {
	facade   *Facade
	basePath string
}

// CreateTypedAccessor returns an accessor scoped to basePath.
func (f *Facade) CreateTypedAccessor(basePath string) *Accessor {
	return &Accessor{facade: f, basePath: strings.TrimSuffix(basePath, "/")}
}

// Value returns the full value map of the secret at name.
func (a *Accessor) Value(ctx context.Context, name string) (map[string]interface{}, error) {
	value, err := a.facade.GetSecret(ctx, a.path(name), nil)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, tperrors.NotFoundError{Resource: "secret", Path: a.path(name)}
	}
	return value, nil
}

// Set writes the secret at name below the base path. The cache entry
// for the full path is invalidated like any facade write.
func (a *Accessor) Set(ctx context.Context, name string, value map[string]interface{}, meta *secretstore.Metadata) error {
	return a.facade.StoreSecret(ctx, a.path(name), value, meta)
}

// Delete removes the secret at name below the base path.
func (a *Accessor) Delete(ctx context.Context, name string) error {
	return a.facade.DeleteSecret(ctx, a.path(name))
}

// List returns the secret paths below the base path.
func (a *Accessor) List(ctx context.Context) ([]string, error) {
	return a.facade.ListSecrets(ctx, a.basePath)
}

// String returns a string field of the secret at name.
func (a *Accessor) String(ctx context.Context, name, field string) (string, error) {
	raw, err := a.field(ctx, name, field)
	if err != nil {
		return "", err
	}
	s, ok := raw.(string)
	if !ok {
		return "", a.typeError(name, field, "string", raw)
	}
	return s, nil
}

// Int returns an integer field, accepting JSON numbers and numeric
// strings.
func (a *Accessor) Int(ctx context.Context, name, field string) (int, error) {
	raw, err := a.field(ctx, name, field)
	if err != nil {
		return 0, err
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, a.typeError(name, field, "int", raw)
		}
		return n, nil
	default:
		return 0, a.typeError(name, field, "int", raw)
	}
}

// Bool returns a boolean field, accepting bools and "true"/"false"
// strings.
func (a *Accessor) Bool(ctx context.Context, name, field string) (bool, error) {
	raw, err := a.field(ctx, name, field)
	if err != nil {
		return false, err
	}
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, a.typeError(name, field, "bool", raw)
		}
		return b, nil
	default:
		return false, a.typeError(name, field, "bool", raw)
	}
}

// Duration returns a duration field from a Go duration string.
func (a *Accessor) Duration(ctx context.Context, name, field string) (time.Duration, error) {
	s, err := a.String(ctx, name, field)
	if err != nil {
		return 0, err
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, a.typeError(name, field, "duration", s)
	}
	return d, nil
}

func (a *Accessor) field(ctx context.Context, name, field string) (interface{}, error) {
	value, err := a.Value(ctx, name)
	if err != nil {
		return nil, err
	}
	raw, ok := value[field]
	if !ok {
		return nil, tperrors.NotFoundError{Resource: "field " + field, Path: a.path(name)}
	}
	return raw, nil
}

func (a *Accessor) path(name string) string {
	if a.basePath == "" {
		return name
	}
	return a.basePath + "/" + name
}

func (a *Accessor) typeError(name, field, want string, got interface{}) error {
	return tperrors.ValidationError{
		Field:   field,
		Value:   got,
		Message: fmt.Sprintf("field is not a %s in %s", want, a.path(name)),
	}
}
