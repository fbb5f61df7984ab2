package resolver

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Protocol tags served by the built-in constructors.
const (
	ProtocolSystem   = "system"
	ProtocolInMemory = "in-memory"
)

// Constructor builds a resolver from a parsed description.
type Constructor func(Description) (Resolver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register installs a constructor for a protocol tag, replacing any
// previous registration. Third-party backends (e.g. "doh") hook in
// here at startup.
func Register(protocol string, fn Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[strings.ToLower(protocol)] = fn
}

func init() {
	Register(ProtocolSystem, func(Description) (Resolver, error) {
		return NewSystem(), nil
	})
	Register(ProtocolInMemory, func(d Description) (Resolver, error) {
		return NewStatic(d.HostPatterns...)
	})
}

// Description captures how a resolver must be instantiated. It is the
// parsed form of a resolver URL:
//
//	scheme[+specifier]://[auth@]host[:port][/path][?query]
//
// The scheme selects the protocol tag, "+specifier" an implementation
// variant, and query parameters become constructor options.
type Description struct {
	Protocol       string
	Specifier      string
	Implementation string
	Server         string
	Port           int
	HostPatterns   []string
	Options        map[string]any
}

// New instantiates the resolver this description names.
func (d Description) New() (Resolver, error) {
	registryMu.RLock()
	fn, ok := registry[d.Protocol]
	registryMu.RUnlock()

	if !ok {
		spe := ""
		if d.Specifier != "" {
			spe = fmt.Sprintf(" (w/ specifier %q)", d.Specifier)
		}
		return nil, fmt.Errorf("%w: %q%s", ErrNotImplemented, d.Protocol, spe)
	}

	return fn(d)
}

// ParseURL parses a resolver URL into a Description.
//
// Credentials in the authority become an Authorization header option:
// "user:pass" maps to Basic, a lone token to Bearer. Comma-separated
// or repeated query values become lists, scalar values that look like
// booleans, integers or floats are coerced, and the reserved
// "implementation" key selects a variant and cannot be a list. A
// "hosts" parameter is extracted into HostPatterns.
func ParseURL(raw string) (Description, error) {
	var d Description

	u, err := url.Parse(raw)
	if err != nil {
		return d, fmt.Errorf("invalid resolver url %q: %w", raw, err)
	}

	if u.Scheme == "" {
		return d, fmt.Errorf("resolver url %q is missing a protocol", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if protocol, specifier, ok := strings.Cut(scheme, "+"); ok {
		d.Protocol = protocol
		d.Specifier = specifier
	} else {
		d.Protocol = scheme
	}

	d.Server = u.Hostname()
	if p := u.Port(); p != "" {
		// url.Parse already guarantees a numeric port
		d.Port, _ = strconv.Atoi(p)
	}

	d.Options = map[string]any{}

	if u.Path != "" && u.Path != "/" {
		d.Options["path"] = u.Path
	}

	if u.User != nil {
		username := strings.Trim(u.User.Username(), `'"`)
		if password, ok := u.User.Password(); ok {
			password = strings.Trim(password, `'"`)
			creds := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
			d.Options["headers"] = map[string]string{"Authorization": "Basic " + creds}
		} else {
			d.Options["headers"] = map[string]string{"Authorization": "Bearer " + username}
		}
	}

	for key, values := range u.Query() {
		if len(values) == 0 {
			continue
		}

		lowered := strings.ToLower(key)

		if lowered == "implementation" {
			if len(values) > 1 || strings.Contains(values[0], ",") {
				return d, fmt.Errorf("resolver url %q: only one implementation can be given", raw)
			}
			d.Implementation = strings.ToLower(strings.TrimSpace(values[0]))
			continue
		}

		if len(values) > 1 {
			var list []string
			for _, v := range values {
				list = append(list, strings.Split(v, ",")...)
			}
			mergeOption(d.Options, lowered, list)
			continue
		}

		value := strings.TrimSpace(values[0])

		if strings.Contains(value, ",") {
			mergeOption(d.Options, lowered, strings.Split(value, ","))
			continue
		}

		d.Options[lowered] = coerceScalar(value)
	}

	if hosts, ok := d.Options["hosts"]; ok {
		switch v := hosts.(type) {
		case []string:
			d.HostPatterns = v
		default:
			d.HostPatterns = []string{fmt.Sprint(v)}
		}
		delete(d.Options, "hosts")
	}

	return d, nil
}

// mergeOption appends list values onto an already-present option
// instead of clobbering it, matching repeated query keys.
func mergeOption(options map[string]any, key string, values []string) {
	prev, ok := options[key]
	if !ok {
		options[key] = values
		return
	}

	switch v := prev.(type) {
	case []string:
		options[key] = append(v, values...)
	default:
		options[key] = append([]string{fmt.Sprint(v)}, values...)
	}
}

// coerceScalar converts boolean/int/float lookalikes; anything else
// stays a string.
func coerceScalar(value string) any {
	switch strings.ToLower(value) {
	case "true":
		return true
	case "false":
		return false
	}

	if n, err := strconv.Atoi(value); err == nil {
		return n
	}

	if strings.Count(value, ".") == 1 && !strings.HasPrefix(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}

	return value
}

// FromAny normalizes the resolver configuration accepted by pools: a
// resolver URL string, a Description, or a list of either.
func FromAny(spec any) ([]Description, error) {
	switch v := spec.(type) {
	case nil:
		return []Description{{Protocol: ProtocolSystem, Options: map[string]any{}}}, nil
	case string:
		d, err := ParseURL(v)
		if err != nil {
			return nil, err
		}
		return []Description{d}, nil
	case Description:
		return []Description{v}, nil
	case []string:
		out := make([]Description, 0, len(v))
		for _, raw := range v {
			d, err := ParseURL(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, d)
		}
		return out, nil
	case []Description:
		return append([]Description(nil), v...), nil
	default:
		return nil, fmt.Errorf("unsupported resolver specification %T", spec)
	}
}
