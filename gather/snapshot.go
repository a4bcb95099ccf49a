package gather

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
)

// Git describes the repository containing the working directory.
type Git struct {
	Root          string
	Branch        string
	Dirty         bool
	RecentCommits []string
	// Staged is a one-line summary such as "M:main.go A:new.go".
	Staged string
}

// EnvVar is a whitelisted environment variable.
type EnvVar struct {
	Name  string
	Value string
}

// Snapshot is the context gathered for one request.
type Snapshot struct {
	Cwd   string
	Shell string

	// Git is nil outside a repository or when git collection is disabled.
	Git            *Git
	Project        string
	Env            []EnvVar
	Listing        string
	Manifests      map[string]string
	PackageManager string

	// History holds the latest shell history lines, redacted, oldest first.
	History []string
	// ToolHistory holds commands other tools ran in Cwd, redacted, newest first.
	ToolHistory []string
	// Relevant holds semantically similar past commands. It is filled lazily
	// by Collector.Relevant and never contributes to the digest.
	Relevant []string
}

// Digest summarizes the parts of the snapshot that change which completion
// is appropriate: git branch and dirty flag, project type and environment.
// Listings and history are left out so that unrelated churn does not defeat
// the completion cache.
func (s *Snapshot) Digest() string {
	if s == nil {
		return ""
	}
	h := sha256.New()
	write := func(v string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(v)))
		h.Write(n[:])
		h.Write([]byte(v))
	}
	if s.Git != nil {
		write(s.Git.Branch)
		write(strconv.FormatBool(s.Git.Dirty))
	} else {
		write("")
		write("")
	}
	write(s.Project)
	for _, v := range s.Env {
		write(v.Name)
		write(v.Value)
	}
	return hex.EncodeToString(h.Sum(nil))
}
