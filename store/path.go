package store

import (
	"path/filepath"
	"strconv"
	"strings"
)

// PathResolver maps a ContentHash to its on-disk path(s) and back, using
// a sharded layout:
//
//	<root>/Shared/<HashAlgo>/<first-3-hex>/<full-hex>.blob
//	<root>/Shared/<HashAlgo>/<first-3-hex>/<full-hex>.<N>.blob
//	<root>/temp/<random12>[hex]
type PathResolver struct {
	root string
}

func NewPathResolver(root string) *PathResolver {
	return &PathResolver{root: root}
}

const sharedDirName = "Shared"
const tempDirName = "temp"

func (p *PathResolver) Root() string { return p.root }

func (p *PathResolver) TempDir() string {
	return filepath.Join(p.root, tempDirName)
}

// SharedRoot is the top of the content-addressed tree: everything under
// it is either a blob file or an algorithm/shard directory.
func (p *PathResolver) SharedRoot() string {
	return filepath.Join(p.root, sharedDirName)
}

func (p *PathResolver) ShardDir(hash ContentHash) string {
	prefix := hash.Hex
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return filepath.Join(p.root, sharedDirName, string(hash.Algo), prefix)
}

// Primary returns the canonical path for a hash: replica 0.
func (p *PathResolver) Primary(hash ContentHash) string {
	return filepath.Join(p.ShardDir(hash), hash.Hex+".blob")
}

// Replica returns the path for replica n. Replica 0 is the primary path.
func (p *PathResolver) Replica(hash ContentHash, n int) string {
	if n == 0 {
		return p.Primary(hash)
	}
	return filepath.Join(p.ShardDir(hash), hash.Hex+"."+strconv.Itoa(n)+".blob")
}

// Parse extracts the ContentHash encoded by a blob path, or false if the
// path does not look like a blob this resolver created. It does not
// touch the filesystem.
func (p *PathResolver) Parse(path string) (ContentHash, bool) {
	if !strings.HasSuffix(path, ".blob") {
		return ContentHash{}, false
	}

	dir := filepath.Dir(path)
	shard := filepath.Base(dir)         // first-3-hex
	algoDir := filepath.Dir(dir)        // <root>/Shared/<algo>
	algo := filepath.Base(algoDir)
	if filepath.Base(filepath.Dir(algoDir)) != sharedDirName {
		return ContentHash{}, false
	}

	base := strings.TrimSuffix(filepath.Base(path), ".blob")
	parts := strings.Split(base, ".")
	hex := parts[0]

	if !hexRegex.MatchString(hex) {
		return ContentHash{}, false
	}
	if len(hex) < 3 || hex[:3] != shard {
		return ContentHash{}, false
	}

	hasher, err := Factory.Get(Algorithm(algo))
	if err != nil {
		return ContentHash{}, false
	}
	if err := hasher.Validate(hex); err != nil {
		return ContentHash{}, false
	}

	return ContentHash{Algo: Algorithm(algo), Hex: hex}, true
}

// ReplicaIndex returns the replica number encoded in a blob filename: 0
// if the filename has exactly two dot-separated parts (<hex>.blob), the
// middle integer for <hex>.<n>.blob, or -1 if the name is malformed.
func (p *PathResolver) ReplicaIndex(path string) int {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".blob") {
		return -1
	}
	base = strings.TrimSuffix(base, ".blob")
	parts := strings.Split(base, ".")
	switch len(parts) {
	case 1:
		return 0
	case 2:
		n, err := strconv.Atoi(parts[1])
		if err != nil || n < 1 {
			return -1
		}
		return n
	default:
		return -1
	}
}
