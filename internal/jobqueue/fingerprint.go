package jobqueue

import (
	"sort"
	"strings"

	"github.com/tangoremote/tango/internal/domain"
	"github.com/tangoremote/tango/internal/pkg/crypto"
	"github.com/tangoremote/tango/internal/pkg/fsutil"
)

// Fingerprint computes the dedupe key for job, per spec.md §4.C: "if a
// submission's (image, input file digests, output destination) matches
// a live job already in queue, return the existing id instead of
// enqueuing a duplicate." When includeRequester is true, the job's
// AccessKey also participates in the fingerprint -- spec.md §9 Open
// Question (a) leaves this as a per-deployment config choice rather
// than a fixed default.
//
// Digests are computed from the on-disk input files, so two
// byte-identical submissions fingerprint identically even if their
// local file paths differ.
func Fingerprint(job *domain.Job, includeRequester bool) (string, error) {
	var parts []string
	parts = append(parts, "image:"+job.Image)
	parts = append(parts, "dest:"+job.OutputFile.DestPath)

	digests := make([]string, 0, len(job.InputFiles))
	for _, f := range job.InputFiles {
		digest, err := fsutil.HashFile(f.LocalFile)
		if err != nil {
			return "", err
		}
		digests = append(digests, f.DestFile+"="+digest)
	}
	sort.Strings(digests)
	parts = append(parts, "inputs:"+strings.Join(digests, ","))

	if includeRequester {
		parts = append(parts, "requester:"+job.AccessKey)
	}

	return crypto.HashString(strings.Join(parts, "|")), nil
}
