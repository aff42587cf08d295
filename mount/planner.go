package mount

import (
	"path"
	"strings"

	"github.com/isdmx/datarun/dataset"
)

// InputDir is the directory under the sandbox workdir that holds one
// subdirectory per dataset.
const InputDir = "input"

// Template placeholders understood by Rule.
const (
	PlaceholderID      = "{id}"
	PlaceholderMount   = "{mount}"
	PlaceholderWorkdir = "{workdir}"
)

// Rule stages a file at extra destinations when its name matches Filename.
// Filename and Aliases are templates over {id}, {mount} and {workdir}.
type Rule struct {
	Filename string
	Aliases  []string
}

// DefaultRules cover the common ways generated code looks for "the" input
// file of a dataset.
var DefaultRules = []Rule{
	{
		Filename: "{id}.csv",
		Aliases: []string{
			"{mount}/data.csv",
			"{workdir}/{id}",
			"{workdir}/{id}.csv",
		},
	},
	{
		Filename: "{id}.meta.json",
		Aliases: []string{
			"{mount}/data.meta.json",
		},
	},
}

// Mount is one copy of a host file into the sandbox.
type Mount struct {
	Source string
	Dest   string
	Alias  bool
}

// Plan lists everything staged for one dataset.
type Plan struct {
	DatasetID string
	MountDir  string
	Mounts    []Mount
}

// Planner computes in-sandbox destinations for dataset files.
type Planner struct {
	workdir string
	rules   []Rule
}

// NewPlanner creates a Planner rooted at the sandbox workdir. DefaultRules
// are used when no rules are given.
func NewPlanner(workdir string, rules ...Rule) *Planner {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Planner{workdir: path.Clean(workdir), rules: rules}
}

// Workdir returns the sandbox working directory.
func (p *Planner) Workdir() string {
	return p.workdir
}

// MountDir returns <workdir>/input/<id>.
func (p *Planner) MountDir(datasetID string) string {
	return path.Join(p.workdir, InputDir, datasetID)
}

// Plan returns the mounts for the files of one dataset. Destinations are
// unique within the plan; the first file claiming a destination wins.
func (p *Planner) Plan(datasetID string, files []dataset.File) Plan {
	mountDir := p.MountDir(datasetID)
	expand := strings.NewReplacer(
		PlaceholderID, datasetID,
		PlaceholderMount, mountDir,
		PlaceholderWorkdir, p.workdir,
	)

	plan := Plan{DatasetID: datasetID, MountDir: mountDir}
	seen := make(map[string]bool)
	add := func(src, dest string, alias bool) {
		dest = path.Clean(dest)
		if seen[dest] {
			return
		}
		seen[dest] = true
		plan.Mounts = append(plan.Mounts, Mount{Source: src, Dest: dest, Alias: alias})
	}

	for _, f := range files {
		add(f.Path, path.Join(mountDir, f.Name), false)
		for _, alias := range p.Aliases(datasetID, f.Name) {
			add(f.Path, expand.Replace(alias), true)
		}
	}
	return plan
}

// Aliases returns the unexpanded alias templates that apply to filename.
func (p *Planner) Aliases(datasetID, filename string) []string {
	var out []string
	for _, rule := range p.rules {
		if strings.ReplaceAll(rule.Filename, PlaceholderID, datasetID) == filename {
			out = append(out, rule.Aliases...)
		}
	}
	return out
}

// NormalizeIDs trims identifiers, drops empty ones and removes duplicates
// keeping first-seen order. The first element is the primary dataset.
func NormalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
