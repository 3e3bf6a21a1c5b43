package artifacts

// Kind classifies a package archive found in a build output directory.
type Kind string

const (
	PackageArtifact Kind = "package" // Installable package archive
	DebugArtifact   Kind = "debug"   // Split debug symbols
)

// Artifact is a package archive produced by a build or fetched prebuilt.
type Artifact struct {
	Name string
	Path string
	Kind Kind

	Checksum string `json:",omitempty"`
	Size     int64
}
