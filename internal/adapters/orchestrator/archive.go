package orchestrator

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/xjson"
)

const (
	archivePrefix  = "pipeline-archive:"
	archiveVersion = "1.0"
)

type archivedRun struct {
	PipelineID  string                  `json:"pipeline_id"`
	ArchivedAt  time.Time               `json:"archived_at"`
	Run         *domain.PipelineRun     `json:"run"`
	Report      domain.CompletionReport `json:"report"`
	Results     map[string]interface{}  `json:"results,omitempty"`
	Version     string                  `json:"version"`
	Compression string                  `json:"-"`
}

func archiveKey(pipelineID string) string {
	return archivePrefix + pipelineID
}

// archiveLocked writes the finished run to the archive store and stamps the
// context's archival time. The terminal status is kept. Without a store the run stays in memory until pruned.
func (o *Orchestrator) archiveLocked(ctx context.Context, e *entry, now time.Time) {
	r := e.run
	log := o.log.WithPipeline(r.ID, string(r.CurrentStage()))

	if err := r.Context.MarkArchived(now); err != nil {
		log.Warn("failed to mark pipeline archived", "error", err)
		return
	}

	if o.archive != nil {
		record := archivedRun{
			PipelineID: r.ID,
			ArchivedAt: now,
			Run:        r,
			Results:    e.results,
			Version:    archiveVersion,
		}
		if e.report != nil {
			record.Report = *e.report
		}

		data, err := encodeArchive(record)
		if err != nil {
			log.Error("failed to encode pipeline archive", "error", err)
			return
		}
		if err := o.archive.Put(context.WithoutCancel(ctx), archiveKey(r.ID), data, o.cfg().RetentionPeriod); err != nil {
			log.Warn("failed to archive pipeline", "error", err)
			return
		}
	}

	o.notice(ctx, r, domain.KindPipelineArchived, "pipeline archived", map[string]interface{}{
		"state":  string(r.State),
		"stored": o.archive != nil,
	})
}

func encodeArchive(record archivedRun) ([]byte, error) {
	raw, err := xjson.Marshal(record)
	if err != nil {
		return nil, domain.NewInternalError("failed to serialize pipeline archive", err,
			domain.WithComponent("orchestrator"), domain.WithPipelineID(record.PipelineID))
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, domain.NewInternalError("failed to compress pipeline archive", err,
			domain.WithComponent("orchestrator"), domain.WithPipelineID(record.PipelineID))
	}
	if err := gz.Close(); err != nil {
		return nil, domain.NewInternalError("failed to compress pipeline archive", err,
			domain.WithComponent("orchestrator"), domain.WithPipelineID(record.PipelineID))
	}
	return buf.Bytes(), nil
}

func decodeArchive(data []byte) (archivedRun, error) {
	var record archivedRun
	raw := data
	if len(data) > 1 && data[0] == 0x1f && data[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return record, domain.NewInternalError("failed to open pipeline archive", err, domain.WithComponent("orchestrator"))
		}
		defer gz.Close()
		if raw, err = io.ReadAll(gz); err != nil {
			return record, domain.NewInternalError("failed to decompress pipeline archive", err, domain.WithComponent("orchestrator"))
		}
		record.Compression = "gzip"
	}
	if err := xjson.Unmarshal(raw, &record); err != nil {
		return record, domain.NewInternalError("failed to deserialize pipeline archive", err, domain.WithComponent("orchestrator"))
	}
	if record.Run == nil || record.Run.Context == nil {
		return record, domain.NewInternalError("pipeline archive has no run", nil,
			domain.WithComponent("orchestrator"), domain.WithPipelineID(record.PipelineID))
	}
	return record, nil
}

func (o *Orchestrator) loadArchive(ctx context.Context, pipelineID string) (archivedRun, error) {
	if o.archive == nil {
		return archivedRun{}, domain.NewNotFoundError("no archive store configured", domain.ErrNotFound,
			domain.WithComponent("orchestrator"), domain.WithPipelineID(pipelineID))
	}
	data, ok, err := o.archive.Get(ctx, archiveKey(pipelineID))
	if err != nil {
		return archivedRun{}, err
	}
	if !ok {
		return archivedRun{}, domain.NewNotFoundError("pipeline "+pipelineID+" is not archived", domain.ErrNotFound,
			domain.WithComponent("orchestrator"), domain.WithPipelineID(pipelineID))
	}
	return decodeArchive(data)
}

// Archived lists the pipeline ids held in the archive store.
func (o *Orchestrator) Archived(ctx context.Context) ([]string, error) {
	if o.archive == nil {
		return nil, nil
	}
	keys, err := o.archive.List(ctx, archivePrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(archivePrefix):])
	}
	return ids, nil
}

// Prune drops finished runs from memory once the retention period has
// passed. Archived copies expire on their own ttl.
func (o *Orchestrator) Prune() int {
	retention := o.cfg().RetentionPeriod
	if retention <= 0 {
		return 0
	}
	now := o.now()

	o.mu.Lock()
	defer o.mu.Unlock()
	pruned := 0
	for id, e := range o.runs {
		if !e.done.Load() {
			continue
		}
		e.mu.Lock()
		expired := now.Sub(e.run.FinishedAt) > retention
		e.mu.Unlock()
		if expired {
			delete(o.runs, id)
			pruned++
		}
	}
	if pruned > 0 {
		o.log.Debug("pruned finished pipelines", "count", pruned)
	}
	return pruned
}
