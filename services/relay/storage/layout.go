package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/xilidan/relay/services/relay/entity"
)

var safeID = regexp.MustCompile(`^[A-Za-z0-9_\-+=]+$`)

// Layout names the local artifacts of a session: <dir>/<prefix>_<id>.<ext>.
type Layout struct {
	Dir    string
	Prefix string
	RawExt string
	OutExt string
}

func (l Layout) name(id, ext string) string {
	return fmt.Sprintf("%s_%s.%s", l.Prefix, id, ext)
}

func (l Layout) RawPath(id string) string {
	return filepath.Join(l.Dir, l.name(id, l.RawExt))
}

func (l Layout) OutPath(id string) string {
	return filepath.Join(l.Dir, l.name(id, l.OutExt))
}

// ValidateID rejects ids that cannot be used as part of a file name inside Dir.
func (l Layout) ValidateID(id string) error {
	if !safeID.MatchString(id) || !filepath.IsLocal(l.name(id, l.RawExt)) || !filepath.IsLocal(l.name(id, l.OutExt)) {
		return fmt.Errorf("%w: unsafe stream id %q", entity.ErrValidation, id)
	}
	return nil
}

// Remove deletes every artifact of id that exists and returns the paths it removed.
func (l Layout) Remove(id string) ([]string, error) {
	if err := l.ValidateID(id); err != nil {
		return nil, err
	}
	var (
		removed []string
		errs    []error
	)
	for _, p := range []string{l.RawPath(id), l.OutPath(id)} {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed = append(removed, p)
		case errors.Is(err, fs.ErrNotExist):
		default:
			errs = append(errs, err)
		}
	}
	return removed, errors.Join(errs...)
}
