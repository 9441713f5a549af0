package simple

import (
	"context"
	"reflect"

	bs "github.com/AnishMulay/sandmem/internal/block_service"
	"github.com/AnishMulay/sandmem/internal/communication"
	fsvc "github.com/AnishMulay/sandmem/internal/file_service"
	"github.com/AnishMulay/sandmem/internal/fs_error"
	"github.com/AnishMulay/sandmem/internal/log_service"
	ns "github.com/AnishMulay/sandmem/internal/namespace_service"
	ps "github.com/AnishMulay/sandmem/internal/server"
	"github.com/fxamacker/cbor/v2"
)

// Times keep nanoseconds on the wire.
var respEncMode, _ = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()

type SimpleServer struct {
	comm communication.Communicator
	fs   fsvc.FileService
	ls   log_service.LogService
}

func NewSimpleServer(comm communication.Communicator, fs fsvc.FileService, ls log_service.LogService) *SimpleServer {
	return &SimpleServer{
		comm: comm,
		fs:   fs,
		ls:   ls,
	}
}

func (s *SimpleServer) Start() error {
	s.ls.Info(log_service.LogEvent{Message: "Starting Simple Server"})

	// 1. Register Payload Types with Communicator
	s.registerPayloads()

	// 2. Start File Service (which bootstraps the namespace)
	if err := s.fs.Start(); err != nil {
		return err
	}

	// 3. Start Communicator with our central handler
	if err := s.comm.Start(s.handleMessage); err != nil {
		return err
	}
	s.ls.Info(log_service.LogEvent{
		Message:  "Simple Server listening",
		Metadata: map[string]any{"address": s.comm.Address()},
	})
	return nil
}

func (s *SimpleServer) Stop() error {
	s.ls.Info(log_service.LogEvent{Message: "Stopping Simple Server"})
	if err := s.comm.Stop(); err != nil {
		s.ls.Error(log_service.LogEvent{Message: "Failed to stop communicator", Metadata: map[string]any{"error": err.Error()}})
	}
	return s.fs.Stop()
}

func (s *SimpleServer) registerPayloads() {
	payloads := map[string]any{
		ps.MsgResolve:           ps.ResolveRequest{},
		ps.MsgCreate:            ps.CreateRequest{},
		ps.MsgOpen:              ps.OpenRequest{},
		ps.MsgClose:             ps.HandleRequest{},
		ps.MsgMkdir:             ps.MkdirRequest{},
		ps.MsgRmdir:             ps.PathRequest{},
		ps.MsgUnlink:            ps.PathRequest{},
		ps.MsgLink:              ps.LinkRequest{},
		ps.MsgRename:            ps.RenameRequest{},
		ps.MsgReadDir:           ps.PathRequest{},
		ps.MsgTruncate:          ps.TruncateRequest{},
		ps.MsgStat:              ps.PathRequest{},
		ps.MsgStatHandle:        ps.HandleRequest{},
		ps.MsgParents:           ps.PathRequest{},
		ps.MsgChmod:             ps.ChmodRequest{},
		ps.MsgChown:             ps.ChownRequest{},
		ps.MsgSetACL:            ps.SetACLRequest{},
		ps.MsgGetACL:            ps.PathRequest{},
		ps.MsgSetBackup:         ps.SetBackupRequest{},
		ps.MsgAllocBlock:        ps.HandleRequest{},
		ps.MsgAllocBlocks:       ps.AllocBlocksRequest{},
		ps.MsgGetBlocks:         ps.HandleRequest{},
		ps.MsgRead:              ps.ReadRequest{},
		ps.MsgWrite:             ps.WriteRequest{},
		ps.MsgRecycle:           ps.RecycleRequest{},
		ps.MsgFsStat:            ps.FsStatRequest{},
		ps.MsgFsInfo:            ps.FsInfoRequest{},
		ps.MsgArenaInfo:         ps.ArenaInfoRequest{},
		ps.MsgMarkUnserviceable: ps.MarkUnserviceableRequest{},
	}
	for msgType, payload := range payloads {
		s.comm.RegisterPayloadType(msgType, reflect.TypeOf(payload))
	}
}

func caller(uid, gid uint32) ns.Caller {
	return ns.Caller{UID: uid, GID: gid}
}

// Central Router for all incoming messages
func (s *SimpleServer) handleMessage(ctx context.Context, msg communication.Message) (*communication.Response, error) {
	switch msg.Type {
	// --- NAMESPACE ---
	case ps.MsgResolve:
		req := msg.Payload.(ps.ResolveRequest)
		res, err := s.fs.Resolve(ctx, caller(req.UID, req.GID), req.Path)
		return s.respond(msg, res, err)

	case ps.MsgCreate:
		req := msg.Payload.(ps.CreateRequest)
		h, id, err := s.fs.Create(ctx, caller(req.UID, req.GID), req.Path, req.Mode)
		return s.respond(msg, ps.OpenResponse{Handle: h, InodeID: id}, err)

	case ps.MsgOpen:
		req := msg.Payload.(ps.OpenRequest)
		open := s.fs.Open
		if req.Write {
			open = s.fs.OpenWrite
		}
		h, id, err := open(ctx, caller(req.UID, req.GID), req.Path)
		return s.respond(msg, ps.OpenResponse{Handle: h, InodeID: id}, err)

	case ps.MsgClose:
		req := msg.Payload.(ps.HandleRequest)
		return s.respond(msg, nil, s.fs.Close(ctx, req.Handle))

	case ps.MsgMkdir:
		req := msg.Payload.(ps.MkdirRequest)
		id, err := s.fs.MakeDirectory(ctx, caller(req.UID, req.GID), req.Path, req.Mode, req.Recursive)
		return s.respond(msg, id, err)

	case ps.MsgRmdir:
		req := msg.Payload.(ps.PathRequest)
		return s.respond(msg, nil, s.fs.RemoveDirectory(ctx, caller(req.UID, req.GID), req.Path))

	case ps.MsgUnlink:
		req := msg.Payload.(ps.PathRequest)
		return s.respond(msg, nil, s.fs.RemoveFile(ctx, caller(req.UID, req.GID), req.Path))

	case ps.MsgLink:
		req := msg.Payload.(ps.LinkRequest)
		return s.respond(msg, nil, s.fs.LinkFile(ctx, caller(req.UID, req.GID), req.Source, req.Target))

	case ps.MsgRename:
		req := msg.Payload.(ps.RenameRequest)
		return s.respond(msg, nil, s.fs.Rename(ctx, caller(req.UID, req.GID), req.Source, req.Target, req.Flag))

	case ps.MsgReadDir:
		req := msg.Payload.(ps.PathRequest)
		entries, err := s.fs.ListDirectory(ctx, caller(req.UID, req.GID), req.Path)
		return s.respond(msg, entries, err)

	case ps.MsgTruncate:
		req := msg.Payload.(ps.TruncateRequest)
		return s.respond(msg, nil, s.fs.Truncate(ctx, req.Handle, req.Length))

	// --- METADATA ---
	case ps.MsgStat:
		req := msg.Payload.(ps.PathRequest)
		attr, err := s.fs.Stat(ctx, caller(req.UID, req.GID), req.Path)
		return s.respond(msg, attr, err)

	case ps.MsgStatHandle:
		req := msg.Payload.(ps.HandleRequest)
		attr, err := s.fs.StatHandle(ctx, req.Handle)
		return s.respond(msg, attr, err)

	case ps.MsgParents:
		req := msg.Payload.(ps.PathRequest)
		links, err := s.fs.GetParents(ctx, caller(req.UID, req.GID), req.Path)
		return s.respond(msg, links, err)

	case ps.MsgChmod:
		req := msg.Payload.(ps.ChmodRequest)
		return s.respond(msg, nil, s.fs.Chmod(ctx, caller(req.UID, req.GID), req.Path, req.Mode))

	case ps.MsgChown:
		req := msg.Payload.(ps.ChownRequest)
		return s.respond(msg, nil, s.fs.Chown(ctx, caller(req.UID, req.GID), req.Path, req.OwnerUID, req.OwnerGID))

	case ps.MsgSetACL:
		req := msg.Payload.(ps.SetACLRequest)
		return s.respond(msg, nil, s.fs.SetACL(ctx, caller(req.UID, req.GID), req.Path, req.ACL))

	case ps.MsgGetACL:
		req := msg.Payload.(ps.PathRequest)
		acl, err := s.fs.GetACL(ctx, caller(req.UID, req.GID), req.Path)
		return s.respond(msg, acl, err)

	case ps.MsgSetBackup:
		req := msg.Payload.(ps.SetBackupRequest)
		if req.UID != 0 {
			return s.respond(msg, nil, fs_error.New("setbackup", req.Path, fs_error.KindPermissionDenied))
		}
		return s.respond(msg, nil, s.fs.SetBackupFinished(ctx, req.Path, req.Finished))

	// --- BLOCKS ---
	case ps.MsgAllocBlock:
		req := msg.Payload.(ps.HandleRequest)
		block, err := s.fs.AllocateBlock(ctx, req.Handle)
		if err != nil {
			return s.respond(msg, nil, err)
		}
		refs, err := s.blockRefs(block)
		return s.respond(msg, ps.BlocksResponse{Blocks: refs}, err)

	case ps.MsgAllocBlocks:
		req := msg.Payload.(ps.AllocBlocksRequest)
		blocks, err := s.fs.AllocateBlocks(ctx, req.Handle, req.ByteCount)
		if err != nil {
			return s.respond(msg, nil, err)
		}
		refs, err := s.blockRefs(blocks...)
		return s.respond(msg, ps.BlocksResponse{Blocks: refs}, err)

	case ps.MsgGetBlocks:
		req := msg.Payload.(ps.HandleRequest)
		fb, err := s.fs.GetBlocks(ctx, req.Handle)
		if err != nil {
			return s.respond(msg, nil, err)
		}
		refs, err := s.blockRefs(fb.Blocks...)
		return s.respond(msg, ps.BlocksResponse{Size: fb.Size, Blocks: refs}, err)

	case ps.MsgRead:
		req := msg.Payload.(ps.ReadRequest)
		data, err := s.fs.ReadAt(ctx, req.Handle, req.Offset, req.Length)
		if err != nil {
			return s.respond(msg, nil, err)
		}
		return &communication.Response{Code: communication.CodeOK, Body: data}, nil

	case ps.MsgWrite:
		req := msg.Payload.(ps.WriteRequest)
		n, err := s.fs.WriteAt(ctx, req.Handle, req.Offset, req.Data)
		return s.respond(msg, ps.WriteResponse{Written: n}, err)

	// --- FILESYSTEM ---
	case ps.MsgRecycle:
		req := msg.Payload.(ps.RecycleRequest)
		res := s.fs.Recycle(ctx, req.TargetBytes)
		return s.respond(msg, ps.RecycleResponse{
			Scanned:        res.Scanned,
			Reclaimed:      res.Reclaimed,
			ReclaimedBytes: res.ReclaimedBytes,
		}, nil)

	case ps.MsgFsStat:
		stats, err := s.fs.FsStat(ctx)
		return s.respond(msg, stats, err)

	case ps.MsgFsInfo:
		info, err := s.fs.FsInfo(ctx)
		return s.respond(msg, info, err)

	case ps.MsgArenaInfo:
		return s.respond(msg, s.fs.Arena(), nil)

	case ps.MsgMarkUnserviceable:
		req := msg.Payload.(ps.MarkUnserviceableRequest)
		s.fs.MarkUnserviceable(req.Reason)
		return s.respond(msg, nil, nil)

	default:
		return &communication.Response{
			Code: communication.CodeBadRequest,
			Body: []byte("unknown message type: " + msg.Type),
		}, nil
	}
}

func (s *SimpleServer) blockRefs(blocks ...bs.BlockHandle) ([]ps.BlockRef, error) {
	refs := make([]ps.BlockRef, 0, len(blocks))
	for _, b := range blocks {
		off, err := s.fs.BlockOffset(b)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ps.BlockRef{Handle: uint64(b), Offset: off})
	}
	return refs, nil
}

// respond encodes data as CBOR and maps err onto a SandCode plus the kind
// header.
func (s *SimpleServer) respond(msg communication.Message, data any, err error) (*communication.Response, error) {
	if err != nil {
		kind := fs_error.KindOf(err)
		code := ps.CodeForKind(kind)
		if code == communication.CodeInternal {
			s.ls.Error(log_service.LogEvent{
				Message:  "Request failed",
				Metadata: map[string]any{"type": msg.Type, "from": msg.From, "error": err.Error()},
			})
		} else {
			s.ls.Debug(log_service.LogEvent{
				Message:  "Request rejected",
				Metadata: map[string]any{"type": msg.Type, "from": msg.From, "error": err.Error()},
			})
		}
		return &communication.Response{
			Code:    code,
			Body:    []byte(err.Error()),
			Headers: map[string]string{ps.KindHeader: kind.String()},
		}, nil
	}

	if data == nil {
		return &communication.Response{Code: communication.CodeOK}, nil
	}

	body, marshalErr := respEncMode.Marshal(data)
	if marshalErr != nil {
		s.ls.Error(log_service.LogEvent{
			Message:  "Failed to encode response",
			Metadata: map[string]any{"type": msg.Type, "error": marshalErr.Error()},
		})
		return &communication.Response{
			Code: communication.CodeInternal,
			Body: []byte(ps.ErrResponseEncodeFailed.Error() + ": " + marshalErr.Error()),
		}, nil
	}

	return &communication.Response{
		Code: communication.CodeOK,
		Body: body,
	}, nil
}

var _ ps.Server = (*SimpleServer)(nil)
