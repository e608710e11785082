// Package dap implements VSCode's Debug Adaptor Protocol (DAP).
// This allows deet to communicate with frontends using DAP
// without a separate adaptor. The frontend will run the debugger
// (which now doubles as an adaptor) in server mode listening on
// a port and communicating over TCP. Requests are processed
// synchronously, one at a time, in the order they are received.
// For DAP details see https://microsoft.github.io/debug-adapter-protocol.
package dap

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/go-dap"

	"github.com/go-deet/deet/pkg/logflags"
	"github.com/go-deet/deet/pkg/proc"
	"github.com/go-deet/deet/service"
	"github.com/go-deet/deet/service/debugger"
)

// Server implements a DAP server that can accept a single client for
// a single debug session. It does not support restarting.
// The server operates via two goroutines:
// (1) Main goroutine where the server is created via NewServer(),
// started via Run() and stopped via Stop().
// (2) Run goroutine started from Run() that accepts a client connection,
// reads, decodes and processes each request, issuing commands to the
// underlying debugger and sending back events and responses.
type Server struct {
	// config is all the information necessary to start the debugger and server.
	config *service.Config
	// listener is used to accept the client connection.
	listener net.Listener
	// conn is the accepted client connection.
	conn net.Conn
	// stopChan is closed when the server is Stop()-ed. This can be used to signal
	// to goroutines run by the server that it's time to quit.
	stopChan chan struct{}
	// reader is used to read requests from the connection.
	reader *bufio.Reader
	// debugger is the underlying debugger service, created by the launch
	// request.
	debugger *debugger.Debugger
	// log is used for structured logging.
	log logflags.Logger
	// stackFrameHandles maps frame indexes of the stopped process to unique ids.
	stackFrameHandles *handlesMap
	// sourceBreakpoints maps a source path to the ids of the breakpoints
	// set in it by the last setBreakpoints request.
	sourceBreakpoints map[string][]int
	// functionBreakpoints are the ids of the breakpoints set by the last
	// setFunctionBreakpoints request.
	functionBreakpoints []int
	// args tracks special settings for handling debug session requests.
	args launchArgs
	// sendingMu synchronizes writing to the connection.
	sendingMu sync.Mutex
}

// launchArgs captures arguments from the launch request that
// impact handling of subsequent requests.
type launchArgs struct {
	// stopOnEntry is set to automatically stop the debugee after start.
	stopOnEntry bool
	// stackTraceDepth is the maximum length of the returned list of stack frames.
	stackTraceDepth int
	// programArgs are passed to the debugee.
	programArgs []string
}

// defaultArgs borrows the defaults for the arguments from the original vscode-go adapter.
var defaultArgs = launchArgs{
	stopOnEntry:     false,
	stackTraceDepth: 50,
}

// NewServer creates a new DAP Server. It takes an opened Listener
// via config and assumes its ownership. config.DisconnectChan has to be set;
// it will be closed by the server when the client disconnects or requests
// shutdown. Once DisconnectChan is closed, Server.Stop() must be called.
func NewServer(config *service.Config) *Server {
	logger := logflags.DAPLogger()
	logflags.WriteDAPListeningMessage(config.Listener.Addr().String())
	logger.Debug("DAP server pid = ", os.Getpid())
	return &Server{
		config:            config,
		listener:          config.Listener,
		stopChan:          make(chan struct{}),
		log:               logger,
		stackFrameHandles: newHandlesMap(),
		sourceBreakpoints: make(map[string][]int),
		args:              defaultArgs,
	}
}

// Stop stops the DAP debugger service, closes the listener and the client
// connection. It kills the target process if there is one. This method
// mustn't be called more than once.
func (s *Server) Stop() {
	s.listener.Close()
	close(s.stopChan)
	if s.conn != nil {
		// Unless Stop() was called after serveDAPCodec()
		// returned, this will result in closed connection error
		// on next read, breaking out of the read loop and
		// allowing the run goroutine to exit.
		s.conn.Close()
	}
	if s.debugger != nil {
		if err := s.debugger.Detach(); err != nil {
			s.log.Error(err)
		}
	}
}

// signalDisconnect closes config.DisconnectChan if not nil, which
// signals that the client disconnected or there was a client
// connection failure. It can be called more than once and is only
// called from the run goroutine.
func (s *Server) signalDisconnect() {
	if s.config.DisconnectChan != nil {
		close(s.config.DisconnectChan)
		s.config.DisconnectChan = nil
	}
}

// Run launches a new goroutine where it accepts a client connection
// and starts processing requests from it. Use Stop() to close connection.
// The server does not support multiple clients, serially or in parallel.
// The debugger won't be started until a launch request is received.
func (s *Server) Run() {
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.log.Errorf("Error accepting client connection: %s\n", err)
			}
			s.signalDisconnect()
			return
		}
		s.conn = conn
		s.serveDAPCodec()
	}()
}

// serveDAPCodec reads and decodes requests from the client
// until it encounters an error or EOF, when it sends
// the disconnect signal and returns.
func (s *Server) serveDAPCodec() {
	defer s.signalDisconnect()
	s.reader = bufio.NewReader(s.conn)
	for {
		request, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			var decodeErr *dap.DecodeProtocolMessageFieldError
			if errors.As(err, &decodeErr) {
				// The message could be framed but not decoded, for example an
				// unknown command. Report it and keep serving.
				s.sendInternalErrorResponse(decodeErr.Seq, err.Error())
				continue
			}
			stopRequested := false
			select {
			case <-s.stopChan:
				stopRequested = true
			default:
			}
			if err != io.EOF && !stopRequested {
				s.log.Error("DAP error: ", err)
			}
			return
		}
		s.handleRequest(request)
	}
}

func (s *Server) handleRequest(request dap.Message) {
	defer func() {
		// In case a handler panics, we catch the panic and send an error response
		// back to the client.
		if ierr := recover(); ierr != nil {
			s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("%v", ierr))
		}
	}()

	jsonmsg, _ := json.Marshal(request)
	s.log.Debug("[<- from client]", string(jsonmsg))

	switch request := request.(type) {
	case *dap.InitializeRequest:
		s.onInitializeRequest(request)
	case *dap.LaunchRequest:
		s.onLaunchRequest(request)
	case *dap.DisconnectRequest:
		s.onDisconnectRequest(request)
	case *dap.TerminateRequest:
		s.onTerminateRequest(request)
	case *dap.SetBreakpointsRequest:
		s.onSetBreakpointsRequest(request)
	case *dap.SetFunctionBreakpointsRequest:
		s.onSetFunctionBreakpointsRequest(request)
	case *dap.SetExceptionBreakpointsRequest:
		s.onSetExceptionBreakpointsRequest(request)
	case *dap.ConfigurationDoneRequest:
		s.onConfigurationDoneRequest(request)
	case *dap.ContinueRequest:
		s.onContinueRequest(request)
	case *dap.ThreadsRequest:
		s.onThreadsRequest(request)
	case *dap.StackTraceRequest:
		s.onStackTraceRequest(request)
	case dap.RequestMessage:
		// Stepping, variables, evaluation and the remaining optional
		// requests have no counterpart in the debugger.
		s.sendUnsupportedErrorResponse(*request.GetRequest())
	default:
		// This is a DAP message that go-dap has a struct for, so
		// decoding succeeded, but this function does not know how
		// to handle.
		s.sendInternalErrorResponse(request.GetSeq(), fmt.Sprintf("Unable to process %#v\n", request))
	}
}

func (s *Server) send(message dap.Message) {
	jsonmsg, _ := json.Marshal(message)
	s.log.Debug("[-> to client]", string(jsonmsg))
	s.sendingMu.Lock()
	defer s.sendingMu.Unlock()
	if err := dap.WriteProtocolMessage(s.conn, message); err != nil {
		s.log.Debug(err)
	}
}

func (s *Server) onInitializeRequest(request *dap.InitializeRequest) {
	response := &dap.InitializeResponse{Response: *newResponse(request.Request)}
	response.Body.SupportsConfigurationDoneRequest = true
	response.Body.SupportsFunctionBreakpoints = true
	response.Body.SupportsTerminateRequest = true
	s.send(response)
}

func (s *Server) onLaunchRequest(request *dap.LaunchRequest) {
	if s.debugger != nil {
		s.sendErrorResponse(request.Request,
			FailedToLaunch, "Failed to launch",
			"A debug session is already in progress.")
		return
	}

	var args LaunchConfig
	if err := unmarshalLaunchArgs(request.Arguments, &args); err != nil {
		s.sendErrorResponse(request.Request,
			FailedToLaunch, "Failed to launch", fmt.Sprintf("invalid debug configuration - %v", err))
		return
	}

	if args.Program == "" {
		s.sendErrorResponse(request.Request,
			FailedToLaunch, "Failed to launch",
			"The program attribute is missing in debug configuration.")
		return
	}
	program, err := filepath.Abs(args.Program)
	if err != nil {
		s.sendInternalErrorResponse(request.Seq, err.Error())
		return
	}

	s.args.stopOnEntry = args.StopOnEntry
	if args.StackTraceDepth > 0 {
		s.args.stackTraceDepth = args.StackTraceDepth
	}
	s.args.programArgs = args.Args

	cfg := s.config.Debugger
	if args.Cwd != "" {
		cfg.WorkingDir = args.Cwd
	}

	if s.debugger, err = debugger.New(&cfg, program); err != nil {
		s.sendErrorResponse(request.Request,
			FailedToLaunch, "Failed to launch", err.Error())
		return
	}

	// Notify the client that the debugger is ready to start accepting
	// configuration requests for setting breakpoints, etc. The client
	// will end the configuration sequence with 'configurationDone'.
	s.send(&dap.InitializedEvent{Event: *newEvent("initialized")})
	s.send(&dap.LaunchResponse{Response: *newResponse(request.Request)})
}

// onDisconnectRequest handles the DisconnectRequest. Per the DAP spec,
// it disconnects the debuggee and signals that the debug adaptor
// (in our case this TCP server) can be terminated.
func (s *Server) onDisconnectRequest(request *dap.DisconnectRequest) {
	s.send(&dap.DisconnectResponse{Response: *newResponse(request.Request)})
	if s.debugger != nil {
		if err := s.debugger.Detach(); err != nil {
			s.log.Error(err)
		}
	}
	s.signalDisconnect()
}

// onTerminateRequest kills the debuggee and ends the debug session. The
// connection stays open until the client disconnects.
func (s *Server) onTerminateRequest(request *dap.TerminateRequest) {
	if s.debugger != nil {
		if err := s.debugger.Detach(); err != nil {
			s.log.Error(err)
		}
	}
	s.send(&dap.TerminateResponse{Response: *newResponse(request.Request)})
	s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
}

func (s *Server) onSetBreakpointsRequest(request *dap.SetBreakpointsRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set or clear breakpoints", "no debug session")
		return
	}
	path := request.Arguments.Source.Path
	if path == "" {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set or clear breakpoints", "empty file path")
		return
	}

	// The request replaces every breakpoint previously set in the file.
	s.clearBreakpoints(s.sourceBreakpoints[path])
	delete(s.sourceBreakpoints, path)

	response := &dap.SetBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, b := range request.Arguments.Breakpoints {
		bp, err := s.createBreakpoint(fmt.Sprintf("%s:%d", path, b.Line))
		if err != nil {
			response.Body.Breakpoints[i].Verified = false
			response.Body.Breakpoints[i].Line = b.Line
			response.Body.Breakpoints[i].Message = err.Error()
			continue
		}
		s.sourceBreakpoints[path] = append(s.sourceBreakpoints[path], bp.ID)
		response.Body.Breakpoints[i] = s.toDAPBreakpoint(bp)
		if bp.File == "" {
			response.Body.Breakpoints[i].Source = &dap.Source{Name: filepath.Base(path), Path: path}
			response.Body.Breakpoints[i].Line = b.Line
		}
	}
	s.send(response)
}

func (s *Server) onSetFunctionBreakpointsRequest(request *dap.SetFunctionBreakpointsRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToSetBreakpoints, "Unable to set or clear breakpoints", "no debug session")
		return
	}

	s.clearBreakpoints(s.functionBreakpoints)
	s.functionBreakpoints = nil

	response := &dap.SetFunctionBreakpointsResponse{Response: *newResponse(request.Request)}
	response.Body.Breakpoints = make([]dap.Breakpoint, len(request.Arguments.Breakpoints))
	for i, b := range request.Arguments.Breakpoints {
		if b.Name == "" {
			response.Body.Breakpoints[i].Message = "empty function name"
			continue
		}
		bp, err := s.createBreakpoint(b.Name)
		if err != nil {
			response.Body.Breakpoints[i].Message = err.Error()
			continue
		}
		s.functionBreakpoints = append(s.functionBreakpoints, bp.ID)
		response.Body.Breakpoints[i] = s.toDAPBreakpoint(bp)
	}
	s.send(response)
}

// createBreakpoint sets a breakpoint at spec. A location that already has
// a breakpoint shares it.
func (s *Server) createBreakpoint(spec string) (*debugger.Breakpoint, error) {
	bp, err := s.debugger.Break(spec)
	if err == nil {
		return bp, nil
	}
	var exists debugger.BreakpointExistsError
	if !errors.As(err, &exists) {
		return nil, err
	}
	for _, bp := range s.debugger.Breakpoints() {
		if bp.ID == exists.ID {
			return bp, nil
		}
	}
	return nil, err
}

func (s *Server) clearBreakpoints(ids []int) {
	for _, id := range ids {
		if _, err := s.debugger.Clear(id); err != nil {
			s.log.Debugf("clearing breakpoint %d: %v", id, err)
		}
	}
}

func (s *Server) toDAPBreakpoint(bp *debugger.Breakpoint) dap.Breakpoint {
	b := dap.Breakpoint{Id: bp.ID, Verified: true, Line: bp.Line}
	if bp.File != "" {
		b.Source = &dap.Source{Name: filepath.Base(bp.File), Path: bp.File}
	}
	return b
}

func (s *Server) onSetExceptionBreakpointsRequest(request *dap.SetExceptionBreakpointsRequest) {
	// Unlike what DAP documentation claims, this request is always sent
	// even though we specified no filters at initialization. Handle as no-op.
	s.send(&dap.SetExceptionBreakpointsResponse{Response: *newResponse(request.Request)})
}

func (s *Server) onConfigurationDoneRequest(request *dap.ConfigurationDoneRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, FailedToLaunch, "Failed to launch", "no debug session")
		return
	}
	s.send(&dap.ConfigurationDoneResponse{Response: *newResponse(request.Request)})

	if s.args.stopOnEntry {
		if _, err := s.debugger.Restart(s.args.programArgs); err != nil {
			s.sendTerminatedOnError(err)
			return
		}
		s.stackFrameHandles.reset()
		s.send(&dap.StoppedEvent{
			Event: *newEvent("stopped"),
			Body:  dap.StoppedEventBody{Reason: "entry", ThreadId: s.debugger.ProcessPid(), AllThreadsStopped: true},
		})
		return
	}

	pid := 0
	status, err := s.debugger.Run(s.args.programArgs)
	if err == nil {
		pid = s.debugger.ProcessPid()
	}
	s.sendStatus(pid, status, err)
}

func (s *Server) onContinueRequest(request *dap.ContinueRequest) {
	pid := 0
	if s.debugger != nil {
		pid = s.debugger.ProcessPid()
	}
	if pid == 0 {
		s.sendErrorResponse(request.Request, UnableToContinue, "Unable to continue", debugger.ErrNoProcess.Error())
		return
	}
	s.send(&dap.ContinueResponse{
		Response: *newResponse(request.Request),
		Body:     dap.ContinueResponseBody{AllThreadsContinued: true},
	})
	status, err := s.debugger.Continue()
	s.sendStatus(pid, status, err)
}

// sendStatus reports the outcome of resuming process pid to the client.
func (s *Server) sendStatus(pid int, status proc.Status, err error) {
	s.stackFrameHandles.reset()
	if err != nil {
		s.sendTerminatedOnError(err)
		return
	}
	switch st := status.(type) {
	case proc.Stopped:
		e := &dap.StoppedEvent{Event: *newEvent("stopped")}
		e.Body.ThreadId = pid
		e.Body.AllThreadsStopped = true
		if bp := s.debugger.BreakpointAt(st.PC); bp != nil {
			e.Body.Reason = "breakpoint"
			e.Body.HitBreakpointIds = []int{bp.ID}
		} else {
			e.Body.Reason = "signal"
			e.Body.Description = proc.SignalName(st.Signal)
		}
		s.send(e)
	case proc.Exited:
		s.send(&dap.ExitedEvent{Event: *newEvent("exited"), Body: dap.ExitedEventBody{ExitCode: st.Code}})
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	case proc.Signaled:
		s.sendOutput("console", fmt.Sprintf("Child signaled (signal %s)\n", proc.SignalName(st.Signal)))
		s.send(&dap.ExitedEvent{Event: *newEvent("exited"), Body: dap.ExitedEventBody{ExitCode: 128 + int(st.Signal)}})
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	}
}

// sendTerminatedOnError reports err to the client. The session ends if the
// process is gone.
func (s *Server) sendTerminatedOnError(err error) {
	s.log.Error(err)
	s.sendOutput("stderr", err.Error()+"\n")
	if s.debugger.ProcessPid() == 0 {
		s.send(&dap.TerminatedEvent{Event: *newEvent("terminated")})
	}
}

func (s *Server) sendOutput(category, output string) {
	s.send(&dap.OutputEvent{
		Event: *newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: output},
	})
}

func (s *Server) onThreadsRequest(request *dap.ThreadsRequest) {
	response := &dap.ThreadsResponse{Response: *newResponse(request.Request)}
	response.Body.Threads = []dap.Thread{}
	if s.debugger != nil {
		if pid := s.debugger.ProcessPid(); pid != 0 {
			response.Body.Threads = []dap.Thread{{Id: pid, Name: filepath.Base(s.debugger.Path())}}
		}
	}
	s.send(response)
}

func (s *Server) onStackTraceRequest(request *dap.StackTraceRequest) {
	if s.debugger == nil {
		s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", "no debug session")
		return
	}
	frames, err := s.debugger.Backtrace()
	if err != nil {
		if len(frames) == 0 {
			s.sendErrorResponse(request.Request, UnableToProduceStackTrace, "Unable to produce stack trace", err.Error())
			return
		}
		s.log.Warnf("partial stack trace: %v", err)
	}
	if len(frames) > s.args.stackTraceDepth {
		frames = frames[:s.args.stackTraceDepth]
	}

	stackFrames := make([]dap.StackFrame, len(frames))
	for i, frame := range frames {
		stackFrames[i] = dap.StackFrame{
			Id:                          s.stackFrameHandles.create(i),
			Name:                        frame.Function,
			Line:                        frame.Line,
			InstructionPointerReference: fmt.Sprintf("%#x", frame.PC),
		}
		if frame.File != proc.UnknownLocation {
			stackFrames[i].Source = &dap.Source{Name: filepath.Base(frame.File), Path: frame.File}
		}
	}
	if request.Arguments.StartFrame > 0 {
		stackFrames = stackFrames[min(request.Arguments.StartFrame, len(stackFrames)):]
	}
	if request.Arguments.Levels > 0 {
		stackFrames = stackFrames[:min(request.Arguments.Levels, len(stackFrames))]
	}
	response := &dap.StackTraceResponse{
		Response: *newResponse(request.Request),
		Body:     dap.StackTraceResponseBody{StackFrames: stackFrames, TotalFrames: len(frames)},
	}
	s.send(response)
}

func (s *Server) sendErrorResponse(request dap.Request, id int, summary, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.Command = request.Command
	er.RequestSeq = request.Seq
	er.Success = false
	er.Message = summary
	er.Body.Error = &dap.ErrorMessage{
		Id:     id,
		Format: fmt.Sprintf("%s: %s", summary, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendInternalErrorResponse(seq int, details string) {
	er := &dap.ErrorResponse{}
	er.Type = "response"
	er.RequestSeq = seq
	er.Success = false
	er.Message = "Internal Error"
	er.Body.Error = &dap.ErrorMessage{
		Id:     InternalError,
		Format: fmt.Sprintf("%s: %s", er.Message, details),
	}
	s.log.Error(er.Body.Error.Format)
	s.send(er)
}

func (s *Server) sendUnsupportedErrorResponse(request dap.Request) {
	s.sendErrorResponse(request, UnsupportedCommand, "Unsupported command",
		fmt.Sprintf("cannot process '%s' request", request.Command))
}

func newResponse(request dap.Request) *dap.Response {
	return &dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "response",
		},
		Command:    request.Command,
		RequestSeq: request.Seq,
		Success:    true,
	}
}

func newEvent(event string) *dap.Event {
	return &dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  0,
			Type: "event",
		},
		Event: event,
	}
}
