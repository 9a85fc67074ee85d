package client

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/Southclaws/fault"
	"github.com/Southclaws/fault/fctx"
	"github.com/Southclaws/fault/fmsg"
	remoteexecution "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"google.golang.org/api/transport/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// REAPIClient keeps artifacts in a Bazel Remote Execution API cache. Each cache key maps to a
// fake action whose result has a single output file, the artifact. The action cache has no
// reservations, so Reserve treats an existing action result as a conflict.
type REAPIClient struct {
	cc  *grpc.ClientConn
	cap remoteexecution.CapabilitiesClient
	cas remoteexecution.ContentAddressableStorageClient
	ac  remoteexecution.ActionCacheClient
	bs  *bytestream.Client

	tempDir string
	logger  *slog.Logger
}

var _ Interface = (*REAPIClient)(nil)

// NewREAPIClient instantiates a client for a remote cache.
func NewREAPIClient(cc *grpc.ClientConn, tempDir string, logger *slog.Logger) *REAPIClient {
	return &REAPIClient{
		cc:      cc,
		cap:     remoteexecution.NewCapabilitiesClient(cc),
		cas:     remoteexecution.NewContentAddressableStorageClient(cc),
		ac:      remoteexecution.NewActionCacheClient(cc),
		bs:      bytestream.NewClient(cc),
		tempDir: tempDir,
		logger:  logger,
	}
}

// Close closes the gRPC connection.
func (c *REAPIClient) Close() error {
	return c.cc.Close()
}

// CheckCapabilities requests capabilities and verifies that they are OK.
func (c *REAPIClient) CheckCapabilities(ctx context.Context) error {
	capabilities, err := c.cap.GetCapabilities(ctx, &remoteexecution.GetCapabilitiesRequest{})
	if err != nil {
		return fault.Wrap(err, fmsg.With("GetCapabilities() failed"), fctx.With(ctx))
	}

	cc := capabilities.GetCacheCapabilities()
	if !slices.Contains(cc.GetDigestFunctions(), remoteexecution.DigestFunction_SHA256) {
		return fault.New("SHA256 is not supported by remote cache", fctx.With(ctx))
	}

	if !cc.GetActionCacheUpdateCapabilities().GetUpdateEnabled() {
		return fault.New("AC update is not supported by remote cache", fctx.With(ctx))
	}

	return nil
}

const (
	// blobFileName carries the file name that our action result pretends to have generated.
	blobFileName = "cache_blob"

	metadataCacheKey = "cacheKey"

	bytestreamScheme = "bytestream:"
	actionScheme     = "action"
)

// Reserve grants a reservation unless an action result already exists for the key.
func (c *REAPIClient) Reserve(ctx context.Context, key, version string, _ int64) (ReserveResult, error) {
	acProtos, err := prepareACProtos(baseKey(key), version)
	if err != nil {
		return ReserveResult{}, fault.Wrap(err, fctx.With(ctx))
	}

	_, err = c.ac.GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
		ActionDigest: acProtos.action.digest,
	})
	if err == nil {
		return ReserveResult{Outcome: Conflict}, nil
	}
	if status.Code(err) != codes.NotFound {
		return ReserveResult{}, fault.Wrap(operationFailed(c.logger, "reserve", 0, nil, err), fctx.With(ctx))
	}

	return ReserveResult{
		Outcome: OK,
		Reservation: &Reservation{
			CacheID:    uuid.NewString(),
			UploadID:   uuid.NewString(),
			UploadURLs: []string{actionTarget(key, version)},
		},
	}, nil
}

// actionTarget encodes the action cache entry to be written as an upload location.
func actionTarget(key, version string) string {
	u := url.URL{
		Scheme:   actionScheme,
		Opaque:   url.PathEscape(key),
		RawQuery: url.Values{"version": {version}}.Encode(),
	}
	return u.String()
}

func parseActionTarget(target string) (key, version string, err error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != actionScheme {
		return "", "", fmt.Errorf("unexpected upload location %q", target)
	}
	if key, err = url.PathUnescape(u.Opaque); err != nil {
		return "", "", err
	}
	return key, u.Query().Get("version"), nil
}

// Save stages body, uploads it to CAS and points the key's action result at it.
func (c *REAPIClient) Save(ctx context.Context, r Reservation, body io.Reader) error {
	if !r.Usable() {
		return fault.Wrap(operationFailed(c.logger, "save", 0, nil, fmt.Errorf("unusable reservation %+v", r)),
			fctx.With(ctx))
	}
	key, version, err := parseActionTarget(r.UploadURLs[0])
	if err != nil {
		return fault.Wrap(operationFailed(c.logger, "save", 0, nil, err), fctx.With(ctx))
	}

	staged, err := stage(ctx, c.tempDir, r.CacheID, body)
	if err != nil {
		return fault.Wrap(operationFailed(c.logger, "save", 0, nil, err), fctx.With(ctx))
	}
	defer staged.remove()

	if err = c.updateActionResult(ctx, key, version, r.UploadID, staged); err != nil {
		return fault.Wrap(operationFailed(c.logger, "save", 0, nil, err), fctx.With(ctx))
	}
	return nil
}

func (c *REAPIClient) updateActionResult(ctx context.Context, key, version, uploadID string, staged *stagedFile) error {
	fileDigest, err := c.uploadToCAS(ctx, staged, uploadID)
	if err != nil {
		return fault.Wrap(err, fmsg.With("CAS upload failed"), fctx.With(ctx))
	}

	acProtos, err := prepareACProtos(baseKey(key), version)
	if err != nil {
		return fault.Wrap(err, fctx.With(ctx))
	}

	updateResponse, err := c.cas.BatchUpdateBlobs(ctx, &remoteexecution.BatchUpdateBlobsRequest{
		Requests: []*remoteexecution.BatchUpdateBlobsRequest_Request{
			{Digest: acProtos.command.digest, Data: acProtos.command.data},
			{Digest: acProtos.action.digest, Data: acProtos.action.data},
		},
	})
	if err != nil {
		return fault.Wrap(err, fmsg.With("BatchUpdateBlobs failed"), fctx.With(ctx))
	}

	for _, response := range updateResponse.Responses {
		if response.GetStatus().GetCode() != 0 {
			return fault.New(
				fmt.Sprintf("BatchUpdateBlobs failed. %s", prototext.Format(updateResponse)),
				fctx.With(ctx))
		}
	}

	protoMd, err := convertMetadataToProto(map[string]any{metadataCacheKey: key})
	if err != nil {
		return fault.Wrap(err, fctx.With(ctx))
	}

	_, err = c.ac.UpdateActionResult(ctx, &remoteexecution.UpdateActionResultRequest{
		ActionDigest: acProtos.action.digest,
		ActionResult: &remoteexecution.ActionResult{
			OutputFiles: []*remoteexecution.OutputFile{
				{
					Path:   blobFileName,
					Digest: fileDigest,
				},
			},
			ExecutionMetadata: &remoteexecution.ExecutedActionMetadata{
				AuxiliaryMetadata: protoMd,
			},
		},
	})
	return fault.Wrap(err, fmsg.With("UpdateActionResult failed"), fctx.With(ctx))
}

// uploadToCAS uses the bytestream client to upload the staged file to CAS.
func (c *REAPIClient) uploadToCAS(ctx context.Context, staged *stagedFile, uploadID string) (d *remoteexecution.Digest, err error) {
	hash := sha256.New()
	if _, err = io.Copy(hash, staged); err != nil {
		err = fault.Wrap(err, fmsg.With("error hashing file"), fctx.With(ctx))
		return
	}

	d = &remoteexecution.Digest{
		Hash:      fmt.Sprintf("%x", hash.Sum(nil)),
		SizeBytes: staged.size,
	}
	if _, err = staged.Seek(0, io.SeekStart); err != nil {
		err = fault.Wrap(err, fmsg.With("error seeking file"), fctx.With(ctx))
		return
	}

	w, err := c.bs.NewWriter(ctx, getUploadResourceName(uploadID, d))
	if err != nil {
		err = fault.Wrap(err, fmsg.With("error creating upload writer"), fctx.With(ctx))
		return
	}
	if _, err = io.Copy(w, staged); err != nil {
		_ = w.Close()
		err = fault.Wrap(err, fmsg.With("upload error"), fctx.With(ctx))
		return
	}
	err = w.Close()
	return
}

// Query looks up the action result for key. Tags are not part of the action digest, so the
// stored key (possibly baseKey#tag) is recovered from the result metadata.
func (c *REAPIClient) Query(ctx context.Context, key, version string) (QueryResult, error) {
	acProtos, err := prepareACProtos(baseKey(key), version)
	if err != nil {
		return QueryResult{}, fault.Wrap(err, fctx.With(ctx))
	}

	resp, err := c.ac.GetActionResult(ctx, &remoteexecution.GetActionResultRequest{
		ActionDigest: acProtos.action.digest,
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return QueryResult{Outcome: NotFound}, nil
		}
		return QueryResult{}, fault.Wrap(operationFailed(c.logger, "query", 0, nil, err), fctx.With(ctx))
	}

	idx := slices.IndexFunc(resp.OutputFiles, func(f *remoteexecution.OutputFile) bool {
		return f.GetPath() == blobFileName
	})
	if idx < 0 {
		return QueryResult{}, fault.Wrap(
			operationFailed(c.logger, "query", 0, nil, fmt.Errorf("cache blob not found among output files")),
			fctx.With(ctx))
	}

	entry := &Entry{
		CacheKey:        key,
		ArchiveLocation: bytestreamScheme + getDownloadResourceName(resp.OutputFiles[idx].GetDigest()),
	}
	md, err := convertMetadataFromProto(resp.GetExecutionMetadata().GetAuxiliaryMetadata())
	if err != nil {
		return QueryResult{}, fault.Wrap(operationFailed(c.logger, "query", 0, nil, err), fctx.With(ctx))
	}
	if stored, ok := md[metadataCacheKey].(string); ok && stored != "" {
		entry.CacheKey = stored
	}
	return QueryResult{Outcome: OK, Entry: entry}, nil
}

// Download opens a bytestream:blobs/<hash>/<size> location.
func (c *REAPIClient) Download(ctx context.Context, location string) (*Download, error) {
	name, ok := strings.CutPrefix(location, bytestreamScheme)
	if !ok {
		return nil, fault.Wrap(
			operationFailed(c.logger, "download", 0, nil, fmt.Errorf("unsupported location %q", location)),
			fctx.With(ctx))
	}

	var size int64
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		size, _ = strconv.ParseInt(name[i+1:], 10, 64)
	}

	rdr, err := c.bs.NewReader(ctx, name)
	if err != nil {
		return nil, fault.Wrap(operationFailed(c.logger, "download", 0, nil, err), fctx.With(ctx))
	}
	return &Download{Size: size, Body: rdr}, nil
}

type acProto struct {
	digest *remoteexecution.Digest
	data   []byte
}

type acProtos struct {
	command, action acProto
}

func prepareACProtos(key, version string) (result acProtos, err error) {
	commandDigest, commandData, err := prepareProto(&remoteexecution.Command{
		Arguments: []string{
			"turbogha fake command",
			"key",
			key,
			"version",
			version,
		},
	})
	if err != nil {
		return
	}

	actionDigest, actionData, err := prepareProto(&remoteexecution.Action{
		CommandDigest: commandDigest,
	})
	if err != nil {
		return
	}

	return acProtos{
		command: acProto{digest: commandDigest, data: commandData},
		action:  acProto{digest: actionDigest, data: actionData},
	}, nil
}

// prepareProto marshals m and generates the digest for it.
func prepareProto(m proto.Message) (digest *remoteexecution.Digest, data []byte, err error) {
	data, err = proto.Marshal(m)
	if err != nil {
		err = fault.Wrap(err, fmsg.With("marshaling failed"))
		return
	}

	h := sha256.New()
	if _, err = h.Write(data); err != nil {
		err = fault.Wrap(err, fmsg.With("hashing failed"))
		return
	}
	digest = &remoteexecution.Digest{
		Hash:      fmt.Sprintf("%x", h.Sum(nil)),
		SizeBytes: int64(len(data)),
	}
	return
}

func convertMetadataToProto(metadata map[string]any) (result []*anypb.Any, err error) {
	val, err := structpb.NewStruct(metadata)
	if err != nil {
		err = fault.Wrap(err, fmsg.With("NewStruct failed"))
		return
	}
	payload, err := anypb.New(val)
	if err != nil {
		err = fault.Wrap(err, fmsg.With("anypb.New failed"))
		return
	}

	return []*anypb.Any{payload}, nil
}

func convertMetadataFromProto(in []*anypb.Any) (map[string]any, error) {
	if len(in) != 1 {
		return nil, nil
	}

	structMetadata := &structpb.Struct{}
	if err := in[0].UnmarshalTo(structMetadata); err != nil {
		return nil, fault.Wrap(err, fmsg.With("unmarshaling failed"))
	}
	return structMetadata.AsMap(), nil
}

// baseKey strips the #tag suffix from a cache key.
func baseKey(key string) string {
	base, _, _ := strings.Cut(key, "#")
	return base
}

func getDownloadResourceName(d *remoteexecution.Digest) string {
	return fmt.Sprintf("blobs/%s/%d", d.GetHash(), d.GetSizeBytes())
}

func getUploadResourceName(uploadID string, d *remoteexecution.Digest) string {
	return fmt.Sprintf("uploads/%s/blobs/%s/%d", uploadID, d.GetHash(), d.GetSizeBytes())
}
