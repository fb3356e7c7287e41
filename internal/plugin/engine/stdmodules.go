package engine

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/match"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/dshills/plughost/internal/plugin/security"
)

func base64Module(LoadSpec) Module {
	return Module{Funcs: map[string]HostFunc{
		"encode": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			return base64.StdEncoding.EncodeToString([]byte(s)), nil
		},
		"decode": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return nil, fmt.Errorf("base64.decode: %w", err)
			}
			return string(b), nil
		},
	}}
}

func jsonModule(LoadSpec) Module {
	return Module{Funcs: map[string]HostFunc{
		// decode(str) -> value
		"decode": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			if !gjson.Valid(s) {
				return nil, fmt.Errorf("json.decode: invalid JSON")
			}
			return normalizeJSON(gjson.Parse(s).Value()), nil
		},
		// encode(value) -> str
		"encode": func(args []any) (any, error) {
			var v any
			if len(args) > 0 {
				v = args[0]
			}
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("json.encode: %w", err)
			}
			return string(b), nil
		},
		// get(str, path) -> value
		"get": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			path, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			r := gjson.Get(s, path)
			if !r.Exists() {
				return nil, nil
			}
			return normalizeJSON(r.Value()), nil
		},
		// set(str, path, value) -> str
		"set": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			path, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			var v any
			if len(args) > 2 {
				v = args[2]
			}
			out, err := sjson.Set(s, path, v)
			if err != nil {
				return nil, fmt.Errorf("json.set: %w", err)
			}
			return out, nil
		},
		// delete(str, path) -> str
		"delete": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			path, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			out, err := sjson.Delete(s, path)
			if err != nil {
				return nil, fmt.Errorf("json.delete: %w", err)
			}
			return out, nil
		},
		// pretty(str) -> str
		"pretty": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			return string(pretty.Pretty([]byte(s))), nil
		},
		"valid": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			return gjson.Valid(s), nil
		},
	}}
}

// normalizeJSON converts gjson values into the host value set.
func normalizeJSON(v any) any {
	switch t := v.(type) {
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalizeJSON(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeJSON(t[k])
		}
		return t
	default:
		return v
	}
}

func logModule(spec LoadSpec) Module {
	logger := spec.Logger
	emit := func(fn func(string, ...any)) HostFunc {
		return func(args []any) (any, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = fmt.Sprint(a)
			}
			fn("%s", strings.Join(parts, " "))
			return nil, nil
		}
	}
	if logger == nil {
		noop := func(string, ...any) {}
		return Module{Funcs: map[string]HostFunc{
			"debug": emit(noop), "info": emit(noop), "warn": emit(noop), "error": emit(noop),
		}}
	}
	return Module{Funcs: map[string]HostFunc{
		"debug": emit(logger.Debug),
		"info":  emit(logger.Info),
		"warn":  emit(logger.Warn),
		"error": emit(logger.Error),
	}}
}

// osModule is not on the default allow-list. getenv additionally needs the
// system permission.
func osModule(spec LoadSpec) Module {
	start := time.Now()
	return Module{Funcs: map[string]HostFunc{
		"time": func([]any) (any, error) {
			return time.Now().Unix(), nil
		},
		"clock": func([]any) (any, error) {
			return time.Since(start).Seconds(), nil
		},
		"getenv": func(args []any) (any, error) {
			name, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			if spec.Guard != nil {
				if err := spec.Guard.CheckPermission(security.PermSystem, "getenv", name); err != nil {
					return nil, err
				}
			}
			v, ok := os.LookupEnv(name)
			if !ok {
				return nil, nil
			}
			return v, nil
		},
	}}
}

func timeModule(LoadSpec) Module {
	return Module{Funcs: map[string]HostFunc{
		// now() -> unix seconds with fraction
		"now": func([]any) (any, error) {
			return float64(time.Now().UnixNano()) / 1e9, nil
		},
		// format(unix, layout?) -> str
		"format": func(args []any) (any, error) {
			sec, err := ArgNumber(args, 0)
			if err != nil {
				return nil, err
			}
			layout, err := OptString(args, 1, time.RFC3339)
			if err != nil {
				return nil, err
			}
			whole := int64(sec)
			nsec := int64((sec - float64(whole)) * 1e9)
			return time.Unix(whole, nsec).UTC().Format(layout), nil
		},
		// parse(str, layout?) -> unix seconds
		"parse": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			layout, err := OptString(args, 1, time.RFC3339)
			if err != nil {
				return nil, err
			}
			t, err := time.Parse(layout, s)
			if err != nil {
				return nil, fmt.Errorf("time.parse: %w", err)
			}
			return t.Unix(), nil
		},
	}}
}

func uuidModule(LoadSpec) Module {
	return Module{Funcs: map[string]HostFunc{
		"new": func([]any) (any, error) {
			return uuid.NewString(), nil
		},
		"valid": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			_, err = uuid.Parse(s)
			return err == nil, nil
		},
	}}
}

func utilModule(LoadSpec) Module {
	return Module{Funcs: map[string]HostFunc{
		// split(str, sep) -> {parts}
		"split": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			sep, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			return toList(strings.Split(s, sep)), nil
		},
		"trim": stringFunc(strings.TrimSpace),
		"trim_left": stringFunc(func(s string) string {
			return strings.TrimLeft(s, " \t\n\r")
		}),
		"trim_right": stringFunc(func(s string) string {
			return strings.TrimRight(s, " \t\n\r")
		}),
		"starts_with": stringPredicate(strings.HasPrefix),
		"ends_with":   stringPredicate(strings.HasSuffix),
		"contains":    stringPredicate(strings.Contains),
		// lines(str) -> {lines}, accepting \n and \r\n
		"lines": func(args []any) (any, error) {
			s, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			return toList(strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")), nil
		},
		// join(list, sep) -> str
		"join": func(args []any) (any, error) {
			sep, err := OptString(args, 1, "")
			if err != nil {
				return nil, err
			}
			var parts []string
			if len(args) > 0 {
				if list, ok := args[0].([]any); ok {
					for _, v := range list {
						parts = append(parts, fmt.Sprint(v))
					}
				}
			}
			return strings.Join(parts, sep), nil
		},
		// keys(map) -> {keys}, sorted
		"keys": func(args []any) (any, error) {
			m, ok := firstMap(args)
			if !ok {
				return []any{}, nil
			}
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return toList(keys), nil
		},
	}}
}

func stringFunc(fn func(string) string) HostFunc {
	return func(args []any) (any, error) {
		s, err := ArgString(args, 0)
		if err != nil {
			return nil, err
		}
		return fn(s), nil
	}
}

func stringPredicate(fn func(string, string) bool) HostFunc {
	return func(args []any) (any, error) {
		a, err := ArgString(args, 0)
		if err != nil {
			return nil, err
		}
		b, err := ArgString(args, 1)
		if err != nil {
			return nil, err
		}
		return fn(a, b), nil
	}
}

func toList(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func firstMap(args []any) (map[string]any, bool) {
	if len(args) == 0 {
		return nil, false
	}
	m, ok := args[0].(map[string]any)
	return m, ok
}

// reModule exposes regular expressions and glob matching.
func reModule(LoadSpec) Module {
	compile := func(args []any) (*regexp.Regexp, error) {
		pattern, err := ArgString(args, 0)
		if err != nil {
			return nil, err
		}
		return regexp.Compile(pattern)
	}

	return Module{Funcs: map[string]HostFunc{
		// match(pattern, str) -> bool
		"match": func(args []any) (any, error) {
			re, err := compile(args)
			if err != nil {
				return nil, err
			}
			s, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			return re.MatchString(s), nil
		},
		// find(pattern, str) -> first match and its groups, or nil
		"find": func(args []any) (any, error) {
			re, err := compile(args)
			if err != nil {
				return nil, err
			}
			s, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			m := re.FindStringSubmatch(s)
			if m == nil {
				return nil, nil
			}
			return toList(m), nil
		},
		"find_all": func(args []any) (any, error) {
			re, err := compile(args)
			if err != nil {
				return nil, err
			}
			s, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			return toList(re.FindAllString(s, -1)), nil
		},
		// replace(pattern, str, repl) with $1-style expansion
		"replace": func(args []any) (any, error) {
			re, err := compile(args)
			if err != nil {
				return nil, err
			}
			s, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			repl, err := ArgString(args, 2)
			if err != nil {
				return nil, err
			}
			return re.ReplaceAllString(s, repl), nil
		},
		"split": func(args []any) (any, error) {
			re, err := compile(args)
			if err != nil {
				return nil, err
			}
			s, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			return toList(re.Split(s, -1)), nil
		},
		// glob(pattern, str) matches * and ? wildcards
		"glob": func(args []any) (any, error) {
			pattern, err := ArgString(args, 0)
			if err != nil {
				return nil, err
			}
			s, err := ArgString(args, 1)
			if err != nil {
				return nil, err
			}
			return match.Match(s, pattern), nil
		},
	}}
}
