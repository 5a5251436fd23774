package job

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/pingcap/tidb/br/pkg/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// TemporaryDir holds in-progress files, one subdirectory per job.
	TemporaryDir = "_temporary"

	shardPrefix  = "part-m-"
	mergedPrefix = "part-r-"
)

var outputName = regexp.MustCompile(`^part-[mr]-\d{5}`)

// ShardName is the finalized name of partition index's shard.
func ShardName(index int, suffix string) string {
	return fmt.Sprintf("%s%05d%s", shardPrefix, index, suffix)
}

// MergedName is the name of the merged output.
func MergedName(suffix string) string {
	return fmt.Sprintf("%s%05d%s", mergedPrefix, 0, suffix)
}

// TempName places name under the job's temporary directory.
func TempName(jobID, name string) string {
	return path.Join(TemporaryDir, jobID, name)
}

// IsOutputFile reports whether name is a shard or merged output, or lives
// in the temporary directory.
func IsOutputFile(name string) bool {
	name = strings.TrimPrefix(name, "/")
	return strings.HasPrefix(name, TemporaryDir+"/") || outputName.MatchString(path.Base(name))
}

// Cleanup removes every shard, merged output and temporary file from store.
// It returns the removed names.
func Cleanup(ctx context.Context, store storage.ExternalStorage, threads int) ([]string, error) {
	var names []string
	err := store.WalkDir(ctx, &storage.WalkOption{}, func(name string, _ int64) error {
		if IsOutputFile(name) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := deleteFiles(ctx, store, names, threads); err != nil {
		return nil, err
	}
	return names, nil
}

func removeTemporary(ctx context.Context, store storage.ExternalStorage, jobID string) {
	prefix := path.Join(TemporaryDir, jobID) + "/"
	var names []string
	err := store.WalkDir(ctx, &storage.WalkOption{}, func(name string, _ int64) error {
		if strings.HasPrefix(strings.TrimPrefix(name, "/"), prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err == nil {
		err = deleteFiles(ctx, store, names, 0)
	}
	if err != nil {
		log.Warn("failed to remove temporary files", zap.String("job", jobID), zap.Error(err))
	}
}

func deleteFiles(ctx context.Context, store storage.ExternalStorage, names []string, threads int) error {
	var eg errgroup.Group
	if threads > 0 {
		eg.SetLimit(threads)
	}
	for _, name := range names {
		eg.Go(func() error {
			return errors.Annotatef(store.DeleteFile(ctx, name), "delete %s", name)
		})
	}
	return eg.Wait()
}
