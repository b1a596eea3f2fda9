package cmd

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/ssd-technologies/creamas/internal/storage"
)

var dirName = strings.NewReplacer("tcp://", "", ":", "_", "/", "_")

// nestedSink saves under a subfolder named after the environment so that
// processes sharing one save folder do not overwrite each other's
// env_info.yaml.
type nestedSink struct {
	storage.InfoSink
}

func (n nestedSink) SaveInfo(ctx context.Context, folder string, info storage.Info) error {
	if folder != "" {
		folder = filepath.Join(folder, dirName.Replace(info.Env))
	}
	return n.InfoSink.SaveInfo(ctx, folder, info)
}

// sinks is what a process saves into: YAML summaries always, plus the
// SQLite archive when storage.path is set and the process owns it.
type sinks struct {
	info    storage.MultiSink
	db      *storage.DB
	archive *storage.ArchiveSink
}

// openSinks builds the sinks for one process. Child processes nest their
// YAML summary and never open the archive, which belongs to the
// coordinator.
func (a *app) openSinks(child bool) (*sinks, error) {
	s := &sinks{}
	if child {
		s.info = append(s.info, nestedSink{InfoSink: storage.YAMLSink{}})
		return s, nil
	}
	s.info = append(s.info, storage.YAMLSink{})
	if a.cfg.Storage.Path != "" {
		db, err := storage.NewDB(a.cfg.Storage.Path)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.archive = storage.NewArchiveSink(db)
		s.info = append(s.info, s.archive)
	}
	return s, nil
}

func (s *sinks) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
