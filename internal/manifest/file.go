package manifest

import "woodstock/internal/format"

// File versions for the format.Header envelope.
const (
	ManifestVersion = 1
	JournalVersion  = 1
)

// File type bytes, re-exported from internal/format for convenience.
const (
	TypeManifest = format.TypeManifest
	TypeJournal  = format.TypeJournal
)

// Set names the four files making up one host's manifest set, per
// spec.md §3: `<name>.manifest`, `<name>.journal`, `<name>.new`,
// `<name>.lock`. `.new` exists only transiently during compaction.
type Set struct {
	Dir  string
	Name string
}

func (s Set) ManifestPath() string { return s.Dir + "/" + s.Name + ".manifest" }
func (s Set) JournalPath() string  { return s.Dir + "/" + s.Name + ".journal" }
func (s Set) NewPath() string      { return s.Dir + "/" + s.Name + ".new" }
func (s Set) LockPath() string     { return s.Dir + "/" + s.Name + ".lock" }
func (s Set) IndexPath() string    { return s.Dir + "/" + s.Name + ".index" }
