// Package core wires the splitters, transfer manager, metadata store and
// assembler into the upload/download service. Upload commits are
// all-or-nothing per dataset; downloads degrade per frame. That asymmetry
// is deliberate: a partially visible dataset poisons every later query,
// while a partially retrieved stack is still useful to its caller.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"framestore/internal/assemble"
	"framestore/internal/blob"
	"framestore/internal/codec"
	"framestore/internal/meta"
	"framestore/internal/split"
	"framestore/internal/transfer"
	"framestore/pkg/domain"
)

// Service is the upload/download entry point.
type Service struct {
	meta      meta.Store
	blob      blob.Store
	transfer  *transfer.Manager
	assembler *assemble.Assembler
	logger    Logger
	clock     Clock
	workers   int
	metrics   *transfer.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger attaches a structured logger.
func WithLogger(l Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithWorkers bounds transfer parallelism.
func WithWorkers(n int) Option {
	return func(s *Service) { s.workers = n }
}

// WithMetrics attaches transfer metrics.
func WithMetrics(m *transfer.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService builds a Service over a metadata store and a storage
// backend.
func NewService(metaStore meta.Store, blobStore blob.Store, opts ...Option) *Service {
	s := &Service{
		meta:   metaStore,
		blob:   blobStore,
		logger: noopLogger{},
		clock:  ClockFunc(time.Now),
	}
	for _, opt := range opts {
		opt(s)
	}
	tOpts := []transfer.Option{transfer.WithMetrics(s.metrics)}
	if s.workers > 0 {
		tOpts = append(tOpts, transfer.WithWorkers(s.workers))
	}
	s.transfer = transfer.New(blobStore, tOpts...)
	s.assembler = assemble.New(metaStore, s.transfer)
	return s
}

// UploadRequest describes a frames-type upload.
type UploadRequest struct {
	ID          domain.DatasetID
	Source      string
	Format      split.Format
	Split       split.Options
	Description string
	Microscope  string
	ParentID    *domain.DatasetID
}

// UploadFrames splits the source and commits the dataset. Splitting
// errors abort before any storage write; any frame transfer failure rolls
// back the written frames and commits nothing.
func (s *Service) UploadFrames(ctx context.Context, req UploadRequest) (domain.DatasetRecord, error) {
	start := s.clock.Now()
	if err := s.ensureNew(ctx, req.ID); err != nil {
		return domain.DatasetRecord{}, err
	}
	if err := s.checkParent(ctx, req.ParentID); err != nil {
		return domain.DatasetRecord{}, err
	}

	splitter, err := split.New(req.Format, req.Split)
	if err != nil {
		return domain.DatasetRecord{}, err
	}
	global, stream, err := splitter.Split(ctx, req.Source)
	if err != nil {
		return domain.DatasetRecord{}, err
	}
	defer func() { _ = stream.Close() }()

	global.StorageDir = req.ID.FrameDir()
	if err := global.Validate(); err != nil {
		return domain.DatasetRecord{}, err
	}

	// The source closure runs in this goroutine: the splitter stays
	// single-pass and one plane is decoded at a time, while the
	// transfer manager fans the encoded frames out to its workers.
	protos := map[string]domain.FrameRecord{}
	source := func() (transfer.Item, error) {
		fr, err := stream.Next()
		if err != nil {
			return transfer.Item{}, err
		}
		data, err := codec.EncodePNG(fr.Plane)
		if err != nil {
			return transfer.Item{}, &domain.FormatError{Value: fr.Index.String(), Reason: err.Error()}
		}
		path := req.ID.FrameDir() + "/" + fr.Index.FileName()
		protos[path] = domain.FrameRecord{
			DatasetID: req.ID,
			Index:     fr.Index,
			Height:    fr.Plane.Height,
			Width:     fr.Plane.Width,
			DType:     fr.Plane.DType,
			Metadata:  fr.Metadata,
		}
		return transfer.Item{Path: path, Data: data}, nil
	}

	res, srcErr := s.transfer.Upload(ctx, source)
	if srcErr != nil || len(res.Failed) > 0 {
		s.rollbackBlobs(ctx, res.Records)
		if srcErr != nil {
			s.logger.Error("upload aborted while splitting", "dataset", req.ID.String(), "error", srcErr)
			return domain.DatasetRecord{}, srcErr
		}
		first := res.Failed[0]
		s.logger.Error("upload aborted, no records committed",
			"dataset", req.ID.String(), "failed_frames", len(res.Failed), "first", first.Path)
		return domain.DatasetRecord{}, first.Err
	}

	frames := make([]domain.FrameRecord, len(res.Records))
	for i, rec := range res.Records {
		proto, ok := protos[rec.Path]
		if !ok {
			return domain.DatasetRecord{}, fmt.Errorf("upload returned unknown path %s", rec.Path)
		}
		proto.StoragePath = rec.Path
		proto.SHA256 = rec.SHA256
		frames[i] = proto
	}

	ds := domain.DatasetRecord{
		ID:          req.ID,
		Description: req.Description,
		Microscope:  req.Microscope,
		ParentID:    req.ParentID,
		UploadType:  domain.UploadFrames,
		FrameCount:  len(frames),
		Global:      global,
	}
	if err := s.meta.InsertFrameDataset(ctx, ds, frames); err != nil {
		s.rollbackBlobs(ctx, res.Records)
		return domain.DatasetRecord{}, err
	}
	s.logger.Info("dataset committed",
		"dataset", req.ID.String(), "frames", len(frames),
		"elapsed", s.clock.Now().Sub(start).String())
	return ds, nil
}

// FileUploadRequest describes a whole-file upload.
type FileUploadRequest struct {
	ID          domain.DatasetID
	Source      string
	Description string
	Microscope  string
	ParentID    *domain.DatasetID
}

// UploadFile stores the source file as one opaque object.
func (s *Service) UploadFile(ctx context.Context, req FileUploadRequest) (domain.DatasetRecord, error) {
	if err := s.ensureNew(ctx, req.ID); err != nil {
		return domain.DatasetRecord{}, err
	}
	if err := s.checkParent(ctx, req.ParentID); err != nil {
		return domain.DatasetRecord{}, err
	}
	data, err := os.ReadFile(req.Source)
	if err != nil {
		return domain.DatasetRecord{}, &domain.FormatError{Value: req.Source, Reason: "source file is not readable"}
	}
	key := req.ID.FileDir() + "/" + filepath.Base(req.Source)
	rec, err := s.transfer.UploadOne(ctx, transfer.Item{Path: key, Data: data, ContentType: "application/octet-stream"})
	if err != nil {
		return domain.DatasetRecord{}, err
	}
	ds := domain.DatasetRecord{
		ID:          req.ID,
		Description: req.Description,
		Microscope:  req.Microscope,
		ParentID:    req.ParentID,
		UploadType:  domain.UploadFile,
		FileName:    key,
		SHA256:      rec.SHA256,
	}
	if err := s.meta.InsertFileDataset(ctx, ds); err != nil {
		s.rollbackBlobs(ctx, []transfer.PutResult{rec})
		return domain.DatasetRecord{}, err
	}
	s.logger.Info("file dataset committed", "dataset", req.ID.String(), "bytes", rec.Size)
	return ds, nil
}

// Assemble reconstructs an index-selected subset of a frames dataset.
func (s *Service) Assemble(ctx context.Context, id domain.DatasetID, sel domain.Selection) (*assemble.Stack, assemble.Report, error) {
	stack, report, err := s.assembler.Assemble(ctx, id, sel)
	if err != nil {
		return nil, assemble.Report{}, err
	}
	if len(report.MissingIndices) > 0 {
		s.logger.Warn("assembly incomplete", "dataset", id.String(), "missing", len(report.MissingIndices))
	}
	return stack, report, nil
}

// DownloadFile fetches a whole-file dataset, verifying its digest.
func (s *Service) DownloadFile(ctx context.Context, id domain.DatasetID) (string, []byte, error) {
	ds, err := s.meta.Dataset(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if ds.UploadType != domain.UploadFile {
		return "", nil, &domain.FormatError{Value: id.String(), Reason: "dataset is not a file upload"}
	}
	results := s.transfer.Download(ctx, []transfer.FetchItem{{Path: ds.FileName, SHA256: ds.SHA256}})
	if results[0].Err != nil {
		return "", nil, results[0].Err
	}
	return filepath.Base(ds.FileName), results[0].Data, nil
}

// Dataset returns one dataset record.
func (s *Service) Dataset(ctx context.Context, id domain.DatasetID) (domain.DatasetRecord, error) {
	return s.meta.Dataset(ctx, id)
}

// QueryDatasets returns dataset records matching the filter.
func (s *Service) QueryDatasets(ctx context.Context, f meta.Filter) ([]domain.DatasetRecord, error) {
	return s.meta.Datasets(ctx, f)
}

// QueryFrames returns a dataset's frame records matching the selection.
func (s *Service) QueryFrames(ctx context.Context, id domain.DatasetID, sel domain.Selection) ([]domain.FrameRecord, error) {
	return s.meta.Frames(ctx, id, sel)
}

// DeleteDataset removes the dataset's metadata and its stored objects.
func (s *Service) DeleteDataset(ctx context.Context, id domain.DatasetID) error {
	ds, err := s.meta.Dataset(ctx, id)
	if err != nil {
		return err
	}
	if err := s.meta.DeleteDataset(ctx, id); err != nil {
		return err
	}
	prefix := id.FrameDir() + "/"
	if ds.UploadType == domain.UploadFile {
		prefix = id.FileDir() + "/"
	}
	infos, err := s.blob.List(ctx, prefix)
	if err != nil {
		return &domain.TransferError{Op: "list", Path: prefix, Err: err}
	}
	paths := make([]string, len(infos))
	for i, info := range infos {
		paths[i] = info.Key
	}
	return s.transfer.Delete(ctx, paths)
}

// ensureNew rejects identifiers already present in the metadata store or
// already holding objects under their storage prefix.
func (s *Service) ensureNew(ctx context.Context, id domain.DatasetID) error {
	_, err := s.meta.Dataset(ctx, id)
	if err == nil {
		return &domain.DuplicateError{ID: id}
	}
	var nf *domain.NotFoundError
	if !errors.As(err, &nf) {
		return err
	}
	for _, prefix := range []string{id.FrameDir() + "/", id.FileDir() + "/"} {
		infos, err := s.blob.List(ctx, prefix)
		if err != nil {
			return &domain.TransferError{Op: "list", Path: prefix, Err: err}
		}
		if len(infos) > 0 {
			return &domain.DuplicateError{ID: id}
		}
	}
	return nil
}

// checkParent verifies that a referenced parent dataset exists. The
// reference is non-owning; deletion of the parent later does not cascade.
func (s *Service) checkParent(ctx context.Context, parent *domain.DatasetID) error {
	if parent == nil {
		return nil
	}
	_, err := s.meta.Dataset(ctx, *parent)
	return err
}

func (s *Service) rollbackBlobs(ctx context.Context, written []transfer.PutResult) {
	paths := make([]string, len(written))
	for i, rec := range written {
		paths[i] = rec.Path
	}
	if err := s.transfer.Delete(ctx, paths); err != nil {
		s.logger.Warn("rollback left orphaned objects", "error", err)
	}
}
