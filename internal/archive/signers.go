package archive

import (
	"context"
	"path"
	"slices"
	"strings"
)

const metaInfDir = "META-INF"

// Signer is a signature of a signed archive covering an entry.
// The certificates within its signature block are not parsed.
type Signer struct {
	Name       string   // Name of the signer, e.g. "CERT".
	File       string   // Path of the signature file, e.g. "META-INF/CERT.SF".
	Block      string   // Path of the signature block holding the certificates, empty if missing.
	Algorithms []string // Digest algorithms covering the entry, e.g. "SHA-256".
}

// noSigners marks entries which were checked and are not signed.
var noSigners = &[]Signer{}

// signatureTable maps the paths of signed entries to their signers.
type signatureTable struct {
	byEntry map[string][]Signer
}

// parseManifest returns the attribute sections of a manifest (or signature
// file). Sections are separated by empty lines, continuation lines start
// with a single space.
func parseManifest(data []byte) []map[string]string {
	var sections []map[string]string

	cur := map[string]string{}
	lastKey := ""

	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")

		if line == "" {
			if len(cur) > 0 {
				sections = append(sections, cur)
				cur = map[string]string{}
			}
			lastKey = ""

			continue
		}

		if strings.HasPrefix(line, " ") {
			if lastKey != "" {
				cur[lastKey] += line[1:]
			}

			continue
		}

		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		lastKey = strings.TrimSpace(k)
		cur[lastKey] = strings.TrimPrefix(v, " ")
	}

	if len(cur) > 0 {
		sections = append(sections, cur)
	}

	return sections
}

func isSignatureBlock(name string) bool {
	switch strings.ToUpper(path.Ext(name)) {
	case ".RSA", ".DSA", ".EC":
		return true
	default:
		return false
	}
}

// signatureTable reads all signature files of the archive once.
func (ix *index) signatureTable(ctx context.Context) (*signatureTable, error) {
	if t := ix.signatures.Load(); t != nil {
		return t, nil
	}

	ix.sigMu.Lock()
	defer ix.sigMu.Unlock()

	if t := ix.signatures.Load(); t != nil {
		return t, nil
	}

	t := &signatureTable{byEntry: make(map[string][]Signer)}

	meta, ok := ix.root.children.Get(metaInfDir)
	if ok && meta.kind == kindDir {
		blocks := make(map[string]string)
		var files []*entry

		meta.children.Scan(func(name string, child *entry) bool {
			if child.kind != kindFile {
				return true
			}
			base := strings.ToUpper(strings.TrimSuffix(name, path.Ext(name)))

			switch {
			case isSignatureBlock(name):
				blocks[base] = child.path
			case strings.EqualFold(path.Ext(name), ".sf"):
				files = append(files, child)
			}

			return true
		})

		for _, sf := range files {
			data, err := sf.readAll(ctx)
			if err != nil {
				return nil, err
			}

			name := strings.TrimSuffix(sf.name, path.Ext(sf.name))
			for _, sec := range parseManifest(data) {
				entryName, ok := sec["Name"]
				if !ok {
					continue
				}

				var algos []string
				for k := range sec {
					if alg, ok := strings.CutSuffix(k, "-Digest"); ok {
						algos = append(algos, alg)
					}
				}
				slices.Sort(algos)

				t.byEntry[entryName] = append(t.byEntry[entryName], Signer{
					Name:       name,
					File:       sf.path,
					Block:      blocks[strings.ToUpper(name)],
					Algorithms: algos,
				})
			}
		}
	}

	ix.signatures.Store(t)

	return t, nil
}

// signersOf returns the signers covering a file entry, which are
// looked up on the first call and cached for all later calls.
func (e *entry) signersOf(ctx context.Context) ([]Signer, error) {
	if p := e.signers.Load(); p != nil {
		if p == noSigners {
			return nil, nil
		}

		return slices.Clone(*p), nil
	}

	t, err := e.ix.signatureTable(ctx)
	if err != nil {
		return nil, err
	}

	found := t.byEntry[e.path]
	if len(found) == 0 {
		e.signers.CompareAndSwap(nil, noSigners)

		return nil, nil
	}

	signers := slices.Clone(found)
	e.signers.CompareAndSwap(nil, &signers)

	return slices.Clone(signers), nil
}
