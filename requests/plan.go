package requests

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/brettbedarf/treefs"
	"github.com/brettbedarf/treefs/internal/util"
)

// Result summarizes an Apply run
type Result struct {
	Created int
	Failed  int
	Err     error // every failure joined
}

// Plan orders reqs so each request follows the nearest request naming one of
// its ancestors. Explicit directories are then created with their own perms
// instead of implicitly by a descendant. Requests with no such relation keep
// their input order after the ordered ones.
func Plan(reqs []treefs.NodeRequest) ([]treefs.NodeRequest, error) {
	logger := util.GetLogger("Requests.Plan")

	first := make(map[string]int, len(reqs))
	for i, r := range reqs {
		p := cleanPath(r.Path)
		if _, ok := first[p]; !ok {
			first[p] = i
		}
	}

	// Edge is [2]interface{} where element 0 comes before element 1
	edges := make([]toposort.Edge, 0)
	linked := make(map[int]bool)
	for i, r := range reqs {
		for dir := path.Dir(cleanPath(r.Path)); dir != "." && dir != "/"; dir = path.Dir(dir) {
			if j, ok := first[dir]; ok && j != i {
				edges = append(edges, toposort.Edge{j, i})
				linked[i], linked[j] = true, true
				break
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		logger.Error().Err(err).Int("edges", len(edges)).Msg("Failed to order node requests")
		return nil, fmt.Errorf("order node requests: %w", err)
	}

	out := make([]treefs.NodeRequest, 0, len(reqs))
	for _, v := range sorted {
		i, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("unexpected type in topological sort result: %T", v)
		}
		out = append(out, reqs[i])
	}
	for i, r := range reqs {
		if !linked[i] {
			out = append(out, r)
		}
	}
	logger.Debug().Int("requests", len(reqs)).Int("edges", len(edges)).Msg("Planned node requests")
	return out, nil
}

// Apply plans reqs and creates each on op. Failures are logged and counted
// rather than aborting the run.
func Apply(op treefs.FileSystemOperator, reqs []treefs.NodeRequest) (Result, error) {
	logger := util.GetLogger("Requests.Apply")

	planned, err := Plan(reqs)
	if err != nil {
		return Result{}, err
	}

	var res Result
	var errs []error
	for _, r := range planned {
		var info treefs.NodeInfo
		var err error
		switch r.Type {
		case treefs.DirNodeType:
			info, err = op.AddDirNode(&treefs.DirCreateRequest{NodeRequest: r})
		case treefs.FileNodeType:
			info, err = op.AddFileNode(&treefs.FileCreateRequest{NodeRequest: r})
		default:
			err = fmt.Errorf("unknown node type %q", r.Type)
		}
		if err != nil {
			logger.Warn().Err(err).Str("path", r.Path).Str("type", string(r.Type)).Msg("Failed to create node")
			res.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", r.Path, err))
			continue
		}
		info.Release()
		res.Created++
	}
	res.Err = errors.Join(errs...)

	logger.Info().Int("created", res.Created).Int("failed", res.Failed).Msg("Applied node requests")
	return res, nil
}

func cleanPath(p string) string {
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}
