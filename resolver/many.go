package resolver

import (
	"context"
	"errors"
)

// Many chains several resolvers in priority order: the first backend
// to produce at least one address wins. It owns its children and
// closes them with itself.
type Many struct {
	resolvers []Resolver
}

// NewMany wraps the given resolvers. Order is significant.
func NewMany(resolvers ...Resolver) *Many {
	return &Many{resolvers: resolvers}
}

func (m *Many) GetAddrInfo(ctx context.Context, host string, port int, family Family, sockType SockType) ([]AddrInfo, error) {
	var firstErr error

	for _, r := range m.resolvers {
		if !r.IsAvailable() {
			continue
		}

		infos, err := r.GetAddrInfo(ctx, host, port, family, sockType)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(infos) > 0 {
			return infos, nil
		}
	}

	if firstErr == nil {
		firstErr = ErrResolverClosed
	}

	return nil, &NameResolutionError{Host: host, Reason: firstErr}
}

func (m *Many) Recycle() Resolver {
	recycled := make([]Resolver, len(m.resolvers))
	for i, r := range m.resolvers {
		recycled[i] = r.Recycle()
	}
	return NewMany(recycled...)
}

func (m *Many) Close() error {
	var errs []error
	for _, r := range m.resolvers {
		if !r.IsAvailable() {
			continue
		}
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Many) IsAvailable() bool {
	for _, r := range m.resolvers {
		if r.IsAvailable() {
			return true
		}
	}
	return false
}
