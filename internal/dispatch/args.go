package dispatch

import (
	"fmt"
	"math"

	"github.com/jkaninda/sanduku/internal/vbox"
	"github.com/jkaninda/sanduku/internal/wsb"
)

// Args is a validated, defaulted parameter bag. Values are already
// coerced to their schema types; getters return the zero value for
// absent optional parameters, and Has distinguishes absent from zero.
type Args map[string]any

func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func (a Args) String(key string) string {
	v, _ := a[key].(string)
	return v
}

func (a Args) Int(key string) int {
	v, _ := a[key].(int)
	return v
}

func (a Args) Bool(key string) bool {
	v, _ := a[key].(bool)
	return v
}

func (a Args) Strings(key string) []string {
	v, _ := a[key].([]string)
	return v
}

func (a Args) Folders(key string) []wsb.MappedFolder {
	v, _ := a[key].([]wsb.MappedFolder)
	return v
}

// validateArgs checks raw request parameters against an action's schema
// and produces the typed bag. Unknown parameters, missing required
// parameters and type mismatches are rejected here, before any lock is
// taken or process spawned.
func validateArgs(action *Action, raw map[string]any) (Args, error) {
	for key := range raw {
		if action.param(key) == nil {
			return nil, &vbox.InvalidRequestError{Field: key, Reason: "unknown parameter"}
		}
	}

	args := make(Args, len(action.Params))
	for i := range action.Params {
		p := &action.Params[i]
		v, present := raw[p.Name]
		if !present || v == nil {
			if p.Required {
				return nil, &vbox.InvalidRequestError{Field: p.Name, Reason: "required parameter missing"}
			}
			if p.Default != nil {
				args[p.Name] = p.Default
			}
			continue
		}
		coerced, err := coerceParam(p, v)
		if err != nil {
			return nil, err
		}
		args[p.Name] = coerced
	}
	return args, nil
}

// coerceParam converts a decoded JSON value to the parameter's schema
// type. JSON numbers arrive as float64; they are accepted for int
// parameters only when integral.
func coerceParam(p *Param, v any) (any, error) {
	switch p.Type {
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(p, v)
		}
		if len(p.Enum) > 0 && !enumMatch(p.Enum, s) {
			return nil, &vbox.InvalidRequestError{
				Field:  p.Name,
				Reason: fmt.Sprintf("must be one of %v, got %q", p.Enum, s),
			}
		}
		return s, nil

	case TypeInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, &vbox.InvalidRequestError{Field: p.Name, Reason: "must be an integer"}
			}
			return int(n), nil
		default:
			return nil, typeMismatch(p, v)
		}

	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, typeMismatch(p, v)
		}
		return b, nil

	case TypeStringList:
		switch list := v.(type) {
		case []string:
			return list, nil
		case []any:
			out := make([]string, 0, len(list))
			for i, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, &vbox.InvalidRequestError{
						Field:  p.Name,
						Reason: fmt.Sprintf("element %d must be a string", i),
					}
				}
				out = append(out, s)
			}
			return out, nil
		default:
			return nil, typeMismatch(p, v)
		}

	case TypeFolderList:
		switch list := v.(type) {
		case []wsb.MappedFolder:
			return list, nil
		case []any:
			out := make([]wsb.MappedFolder, 0, len(list))
			for i, item := range list {
				folder, err := coerceFolder(p.Name, i, item)
				if err != nil {
					return nil, err
				}
				out = append(out, folder)
			}
			return out, nil
		default:
			return nil, typeMismatch(p, v)
		}
	}
	return nil, &vbox.InvalidRequestError{Field: p.Name, Reason: fmt.Sprintf("unsupported parameter type %q", p.Type)}
}

func coerceFolder(field string, i int, v any) (wsb.MappedFolder, error) {
	obj, ok := v.(map[string]any)
	if !ok {
		return wsb.MappedFolder{}, &vbox.InvalidRequestError{
			Field:  field,
			Reason: fmt.Sprintf("element %d must be an object", i),
		}
	}
	var folder wsb.MappedFolder
	for key, value := range obj {
		switch key {
		case "host_folder":
			s, ok := value.(string)
			if !ok {
				return wsb.MappedFolder{}, folderFieldError(field, i, "host_folder must be a string")
			}
			folder.HostFolder = s
		case "sandbox_folder":
			s, ok := value.(string)
			if !ok {
				return wsb.MappedFolder{}, folderFieldError(field, i, "sandbox_folder must be a string")
			}
			folder.SandboxFolder = s
		case "read_only":
			b, ok := value.(bool)
			if !ok {
				return wsb.MappedFolder{}, folderFieldError(field, i, "read_only must be a boolean")
			}
			folder.ReadOnly = b
		default:
			return wsb.MappedFolder{}, folderFieldError(field, i, fmt.Sprintf("unknown key %q", key))
		}
	}
	if folder.HostFolder == "" {
		return wsb.MappedFolder{}, folderFieldError(field, i, "host_folder is required")
	}
	return folder, nil
}

func folderFieldError(field string, i int, reason string) error {
	return &vbox.InvalidRequestError{Field: field, Reason: fmt.Sprintf("element %d: %s", i, reason)}
}

func typeMismatch(p *Param, v any) error {
	return &vbox.InvalidRequestError{
		Field:  p.Name,
		Reason: fmt.Sprintf("must be a %s, got %T", p.Type, v),
	}
}
