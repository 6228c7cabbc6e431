package tempfile

import (
	"errors"
	"os"

	"github.com/google/uuid"
)

// Creator creates collision-free temp files alongside a base path. Names
// are derived from google/uuid rather than a seeded PRNG, removing any
// need to guard generator state across concurrent callers.
type Creator struct{}

// NewCreator returns a new Creator, for creating temp files.
func NewCreator() *Creator {
	return &Creator{}
}

const flags = os.O_RDWR | os.O_CREATE | os.O_EXCL

// FinalMode is the permissions of a temp file once realization has
// finished and it has been moved/hardlinked into its final location.
const FinalMode = 0644

// wipMode is used while the file's content is still being written.
const wipMode = 0600

var errNoTempfile = errors.New("failed to create a temp file")

// Create attempts to create a file named "<base>.<uuid>". The *os.File is
// returned along with the suffix used, and an error if something went
// wrong. Collisions are astronomically unlikely but are retried anyway.
func (c *Creator) Create(base string) (*os.File, string, error) {
	var err error
	var f *os.File
	var suffix string

	for i := 0; i < 10000; i++ {
		suffix = uuid.NewString()
		name := base + "." + suffix

		f, err = os.OpenFile(name, flags, wipMode)
		if err == nil {
			return f, suffix, nil
		}
		if os.IsExist(err) {
			continue
		}
		return nil, "", err
	}
	return nil, "", errNoTempfile
}
