package platform

import (
	"errors"
	"sort"

	"github.com/sirupsen/logrus"
)

// Tee exposes entities on a primary host and mirrors them to secondary
// hosts. Failures on a mirror are logged and never fail the primary.
type Tee struct {
	primary Host
	mirrors []Host
	logger  *logrus.Logger
}

// NewTee combines hosts; the first one is the primary
func NewTee(logger *logrus.Logger, primary Host, mirrors ...Host) *Tee {
	if logger == nil {
		logger = logrus.New()
	}
	return &Tee{primary: primary, mirrors: mirrors, logger: logger}
}

// Expose registers the entity on every host
func (t *Tee) Expose(d Descriptor) (Binding, error) {
	pb, err := t.primary.Expose(d)
	if err != nil {
		return nil, err
	}

	b := &teeBinding{primary: pb, logger: t.logger}
	for _, m := range t.mirrors {
		mb, err := m.Expose(d)
		if err != nil {
			t.logger.WithError(err).WithField("unique_id", d.UniqueID).Warn("Mirror host failed to expose entity")
			continue
		}
		b.mirrors = append(b.mirrors, mb)
	}
	return b, nil
}

// Lookup consults the primary first, then the mirrors
func (t *Tee) Lookup(uniqueID string) (Record, bool) {
	if r, ok := t.primary.Lookup(uniqueID); ok {
		return r, true
	}
	for _, m := range t.mirrors {
		if r, ok := m.Lookup(uniqueID); ok {
			return r, true
		}
	}
	return Record{}, false
}

// Remove deletes the entity from every host that holds it. It fails only
// when no host could remove it.
func (t *Tee) Remove(uniqueID string) error {
	var errs []error
	removed := false

	for _, h := range append([]Host{t.primary}, t.mirrors...) {
		if err := h.Remove(uniqueID); err != nil {
			if !errors.Is(err, ErrNotFound) {
				errs = append(errs, err)
			}
			continue
		}
		removed = true
	}

	if removed {
		return nil
	}
	if len(errs) == 0 {
		return ErrNotFound
	}
	return errors.Join(errs...)
}

// Records returns the union of all hosts' records, primary first on conflicts
func (t *Tee) Records() []Record {
	seen := make(map[string]struct{})
	var out []Record

	for _, h := range append([]Host{t.primary}, t.mirrors...) {
		for _, r := range h.Records() {
			if _, dup := seen[r.Descriptor.UniqueID]; dup {
				continue
			}
			seen[r.Descriptor.UniqueID] = struct{}{}
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Descriptor.UniqueID < out[j].Descriptor.UniqueID
	})
	return out
}

type teeBinding struct {
	primary Binding
	mirrors []Binding
	logger  *logrus.Logger
}

func (b *teeBinding) UniqueID() string { return b.primary.UniqueID() }

func (b *teeBinding) Push(s State) {
	b.primary.Push(s)
	for _, m := range b.mirrors {
		m.Push(s)
	}
}

func (b *teeBinding) Detach() error {
	err := b.primary.Detach()
	for _, m := range b.mirrors {
		if merr := m.Detach(); merr != nil {
			b.logger.WithError(merr).WithField("unique_id", b.UniqueID()).Warn("Mirror host failed to detach entity")
		}
	}
	return err
}
