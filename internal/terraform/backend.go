// MIT License
//
// Copyright (c) 2025 Mike Lane
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package terraform

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
)

// Backend is the remote state location declared in a terraform block
type Backend struct {
	Type   string // s3 or gcs
	Bucket string
	Key    string // s3 object key
	Region string
	Prefix string // gcs object prefix
}

// StateObject returns the object name holding the default workspace state,
// joined the way the gcs backend names it
func (b Backend) StateObject() string {
	if b.Type == "gcs" {
		return path.Join(b.Prefix, "default.tfstate")
	}
	return b.Key
}

var (
	backendBlock = regexp.MustCompile(`backend\s+"(s3|gcs)"\s*\{([^}]*)\}`)
	attribute    = regexp.MustCompile(`(?m)^\s*(\w+)\s*=\s*"([^"]*)"`)
)

// ParseBackend looks for an s3 or gcs backend in dir's backend.tf, main.tf
// and then the remaining .tf files. It is best effort: anything it cannot
// read or recognize yields false.
func ParseBackend(dir string) (Backend, bool) {
	for _, file := range candidateFiles(dir) {
		data, err := os.ReadFile(file)
		if err != nil {
			continue
		}
		if b, ok := parseBackendSource(string(data)); ok {
			return b, true
		}
	}
	return Backend{}, false
}

func candidateFiles(dir string) []string {
	files := []string{filepath.Join(dir, "backend.tf"), filepath.Join(dir, "main.tf")}

	rest, _ := filepath.Glob(filepath.Join(dir, "*.tf"))
	sort.Strings(rest)
	for _, f := range rest {
		if base := filepath.Base(f); base != "backend.tf" && base != "main.tf" {
			files = append(files, f)
		}
	}
	return files
}

func parseBackendSource(src string) (Backend, bool) {
	m := backendBlock.FindStringSubmatch(src)
	if m == nil {
		return Backend{}, false
	}

	b := Backend{Type: m[1]}
	for _, kv := range attribute.FindAllStringSubmatch(m[2], -1) {
		switch kv[1] {
		case "bucket":
			b.Bucket = kv[2]
		case "key":
			b.Key = kv[2]
		case "region":
			b.Region = kv[2]
		case "prefix":
			b.Prefix = kv[2]
		}
	}

	if b.Bucket == "" {
		return Backend{}, false
	}
	return b, true
}

// IsTerraformFile reports whether a changed file is Terraform source
func IsTerraformFile(name string) bool {
	return filepath.Ext(name) == ".tf"
}
