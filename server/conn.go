package server

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/queryproxy/queryproxy/catalog"
	"github.com/queryproxy/queryproxy/codec"
	"github.com/queryproxy/queryproxy/engine"
	"github.com/queryproxy/queryproxy/hooks"
)

// errCancelRequest signals a cancel-request connection: handled, no session.
var errCancelRequest = errors.New("cancel request")

type preparedStmt struct {
	query      string
	numParams  int
	paramTypes []int32
}

type portal struct {
	stmt          *preparedStmt
	plan          *engine.Plan // nil for an empty statement
	resultFormats []int16
	hooksApplied  bool
	described     bool
}

type clientConn struct {
	server *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer

	username string
	database string
	user     *catalog.User
	session  hooks.Session
	key      BackendKey

	stmts   map[string]*preparedStmt
	portals map[string]*portal

	// inError suppresses extended-protocol messages until the next Sync.
	inError bool
}

func (c *clientConn) serve() error {
	defer func() { _ = c.conn.Close() }()

	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.key = c.server.newBackendKey()
	c.stmts = make(map[string]*preparedStmt)
	c.portals = make(map[string]*portal)

	if err := c.handleStartup(); err != nil {
		if errors.Is(err, errCancelRequest) {
			return nil
		}
		return fmt.Errorf("startup failed: %w", err)
	}

	c.sendInitialParams()
	if err := writeReadyForQuery(c.writer, 'I'); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	// Pre-warm the engine context and pool out-of-band so the first user
	// query hits a fully warm path. Catalog-only queries stay off the
	// pool either way.
	go c.server.cache.Warmup(context.Background(), c.database)

	return c.messageLoop()
}

// ---------- startup & authentication ----------

func (c *clientConn) handleStartup() error {
	tlsUpgraded := false

	for {
		params, err := readStartupMessage(c.reader)
		if err != nil {
			return err
		}

		if params["__ssl_request"] == "true" {
			if c.server.tlsConfig == nil || tlsUpgraded {
				if _, err := c.conn.Write([]byte("N")); err != nil {
					return err
				}
				continue
			}
			if _, err := c.conn.Write([]byte("S")); err != nil {
				return err
			}
			tlsConn := tls.Server(c.conn, c.server.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				return fmt.Errorf("TLS handshake failed: %w", err)
			}
			c.conn = tlsConn
			c.reader = bufio.NewReader(tlsConn)
			c.writer = bufio.NewWriter(tlsConn)
			tlsUpgraded = true
			continue
		}

		if params["__cancel_request"] == "true" {
			pid, _ := strconv.ParseInt(params["__cancel_pid"], 10, 32)
			secret, _ := strconv.ParseInt(params["__cancel_secret"], 10, 32)
			c.server.cancelQuery(BackendKey{Pid: int32(pid), SecretKey: int32(secret)})
			return errCancelRequest
		}

		c.username = params["user"]
		c.database = params["database"]
		break
	}

	if c.username == "" {
		c.sendFatal(codeInvalidAuth, "no user specified")
		return fmt.Errorf("no user specified")
	}

	user, err := c.authenticate()
	if err != nil {
		return err
	}
	c.user = user
	c.session = hooks.Session{Username: user.Username, Tenant: user.Tenant}

	// Access guard: datasource exists and is active, and the user is
	// assigned to it. Any failure is FATAL before a context or pool is
	// ever requested.
	if c.database == "" {
		c.sendFatal(codeInvalidCatalog, "no database specified, use the datasource name as the database")
		return fmt.Errorf("no database specified")
	}

	ctx := context.Background()
	info, err := c.server.store.DataSourceByName(ctx, c.database)
	if err != nil {
		var nf *engine.NotFoundError
		if errors.As(err, &nf) {
			c.sendFatal(codeInvalidCatalog, nf.Error())
		} else {
			c.sendFatal(codeInternalError, err.Error())
		}
		return fmt.Errorf("datasource %q: %w", c.database, err)
	}
	if !info.Active {
		c.sendFatal(codeInvalidCatalog, fmt.Sprintf("data source %q is inactive", c.database))
		return fmt.Errorf("datasource %q inactive", c.database)
	}

	allowed, err := c.server.store.HasAccess(ctx, user.ID, info.ID)
	if err != nil {
		c.sendFatal(codeInternalError, err.Error())
		return err
	}
	if !allowed {
		c.sendFatal(codePermissionDenied, fmt.Sprintf("access denied to data source %q", c.database))
		return fmt.Errorf("user %q has no assignment for %q", c.username, c.database)
	}

	c.server.rateLimiter.RecordSuccessfulAuth(c.conn.RemoteAddr())
	if err := c.server.store.TouchLastLogin(ctx, user.ID); err != nil {
		slog.Debug("Failed to stamp last login", "user", user.Username, "error", err)
	}

	slog.Info("Authenticated user",
		"username", user.Username,
		"tenant", user.Tenant,
		"datasource", c.database,
		"remote", c.conn.RemoteAddr().String())
	return nil
}

// authenticate negotiates SCRAM-SHA-256 when the user has a verifier and
// falls back to cleartext + Argon2id otherwise. Unknown users still get a
// full cleartext exchange so usernames cannot be probed.
func (c *clientConn) authenticate() (*catalog.User, error) {
	user, err := c.server.store.UserByName(context.Background(), c.username)
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		c.sendFatal(codeInternalError, "authentication unavailable")
		return nil, err
	}

	if user != nil && user.ScramVerifier != "" {
		if err := c.scramExchange(user); err != nil {
			return nil, err
		}
	} else {
		if err := c.cleartextExchange(user); err != nil {
			return nil, err
		}
	}

	if !user.IsActive {
		c.sendFatal(codeInvalidAuth, "user is inactive")
		return nil, fmt.Errorf("user %q is inactive", c.username)
	}
	return user, nil
}

func (c *clientConn) cleartextExchange(user *catalog.User) error {
	if err := writeAuthCleartextPassword(c.writer); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	msgType, body, err := readMessage(c.reader)
	if err != nil {
		return err
	}
	if msgType != msgPassword {
		c.sendFatal(codeProtocolViolation, "expected password message")
		return fmt.Errorf("expected password message, got %c", msgType)
	}

	password := string(bytes.TrimRight(body, "\x00"))
	if user == nil || !catalog.VerifyPassword(password, user.PasswordHash) {
		return c.authFailed()
	}

	if err := writeAuthOK(c.writer); err != nil {
		return err
	}
	return nil
}

func (c *clientConn) scramExchange(user *catalog.User) error {
	verifier, err := catalog.ParseScramVerifier(user.ScramVerifier)
	if err != nil {
		c.sendFatal(codeInternalError, "authentication unavailable")
		return fmt.Errorf("user %q: %w", user.Username, err)
	}

	if err := writeAuthSASL(c.writer, scramMechanism); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	msgType, body, err := readMessage(c.reader)
	if err != nil {
		return err
	}
	if msgType != msgPassword {
		c.sendFatal(codeProtocolViolation, "expected SASL initial response")
		return fmt.Errorf("expected SASL initial response, got %c", msgType)
	}
	mechanism, initial, err := parseSASLInitialResponse(body)
	if err != nil {
		c.sendFatal(codeProtocolViolation, err.Error())
		return err
	}
	if mechanism != scramMechanism {
		c.sendFatal(codeProtocolViolation, fmt.Sprintf("unsupported SASL mechanism %q", mechanism))
		return fmt.Errorf("unsupported SASL mechanism %q", mechanism)
	}

	conv := newScramConversation(verifier)
	challenge, err := conv.handleClientFirst(initial)
	if err != nil {
		return c.authFailed()
	}
	if err := writeAuthSASLContinue(c.writer, challenge); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	msgType, body, err = readMessage(c.reader)
	if err != nil {
		return err
	}
	if msgType != msgPassword {
		c.sendFatal(codeProtocolViolation, "expected SASL response")
		return fmt.Errorf("expected SASL response, got %c", msgType)
	}

	final, err := conv.handleClientFinal(body)
	if err != nil {
		return c.authFailed()
	}

	if err := writeAuthSASLFinal(c.writer, final); err != nil {
		return err
	}
	if err := writeAuthOK(c.writer); err != nil {
		return err
	}
	return nil
}

func (c *clientConn) authFailed() error {
	authFailuresCounter.Inc()
	if banned := c.server.rateLimiter.RecordFailedAuth(c.conn.RemoteAddr()); banned {
		slog.Warn("IP banned after repeated auth failures", "remote", c.conn.RemoteAddr().String())
	}
	c.sendFatal(codeInvalidPassword, fmt.Sprintf("password authentication failed for user %q", c.username))
	return fmt.Errorf("authentication failed for user %q", c.username)
}

func (c *clientConn) sendInitialParams() {
	for name, value := range engine.DefaultServerParams() {
		_ = writeParameterStatus(c.writer, name, value)
	}
	_ = writeBackendKeyData(c.writer, c.key.Pid, c.key.SecretKey)
}

// ---------- message loop ----------

func (c *clientConn) messageLoop() error {
	for {
		if c.server.cfg.IdleTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.server.cfg.IdleTimeout))
		}

		msgType, body, err := readMessage(c.reader)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch msgType {
		case msgQuery:
			c.inError = false
			if err := c.handleQuery(body); err != nil {
				return err
			}

		case msgParse:
			if !c.inError {
				c.handleParse(body)
			}

		case msgBind:
			if !c.inError {
				c.handleBind(body)
			}

		case msgDescribe:
			if !c.inError {
				c.handleDescribe(body)
			}

		case msgExecute:
			if !c.inError {
				c.handleExecute(body)
			}

		case msgSync:
			c.inError = false
			if err := writeReadyForQuery(c.writer, 'I'); err != nil {
				return err
			}
			if err := c.writer.Flush(); err != nil {
				return err
			}

		case msgClose:
			if !c.inError {
				c.handleClose(body)
			}

		case msgFlush:
			if err := c.writer.Flush(); err != nil {
				return err
			}

		case msgTerminate:
			return nil

		default:
			slog.Debug("Ignoring unknown message type", "type", string(msgType))
		}
	}
}

// queryContext returns a cancellable context registered for wire-level
// cancel requests and torn down with the connection.
func (c *clientConn) queryContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	c.server.registerQuery(c.key, cancel)
	return ctx, func() {
		c.server.unregisterQuery(c.key)
		cancel()
	}
}

// ---------- simple query ----------

func (c *clientConn) handleQuery(body []byte) error {
	query := strings.TrimSpace(string(bytes.TrimRight(body, "\x00")))
	if query == "" {
		_ = writeEmptyQueryResponse(c.writer)
		_ = writeReadyForQuery(c.writer, 'I')
		return c.writer.Flush()
	}

	slog.Debug("Simple query", "username", c.username, "query", query)

	ctx, done := c.queryContext()
	defer done()

	ec, err := c.server.cache.Get(ctx, c.database)
	if err != nil {
		c.sendQueryError(err)
		_ = writeReadyForQuery(c.writer, 'I')
		return c.writer.Flush()
	}

	plans, err := engine.ParseSQL(query)
	if err != nil {
		c.sendQueryError(err)
		_ = writeReadyForQuery(c.writer, 'I')
		return c.writer.Flush()
	}

	for _, plan := range plans {
		if err := c.runStatement(ctx, ec, plan, nil, true); err != nil {
			c.sendQueryError(err)
			break
		}
	}

	_ = writeReadyForQuery(c.writer, 'I')
	return c.writer.Flush()
}

// runStatement pushes one statement through hooks and the engine and
// streams its result. Batches go to the socket as they arrive; the flush
// between batches backpressures the engine.
func (c *clientConn) runStatement(ctx context.Context, ec *engine.Context, plan *engine.Plan, formats []int16, sendRowDesc bool) error {
	if err := hooks.Apply(c.server.pipeline, plan, c.session); err != nil {
		return err
	}

	start := time.Now()
	stream, err := ec.Query(ctx, plan)
	if err != nil {
		return err
	}
	defer stream.Close()

	fields := codec.FieldsFromSchema(stream.Schema, formats)
	if sendRowDesc {
		if err := writeRowDescription(c.writer, fields); err != nil {
			return err
		}
	}

	rowCount := 0
	for {
		rec, err := stream.Next()
		if err != nil {
			queryErrorsCounter.Inc()
			return err
		}
		if rec == nil {
			break
		}

		rows, err := codec.EncodeBatch(rec, fields)
		rec.Release()
		if err != nil {
			queryErrorsCounter.Inc()
			return err
		}
		for _, cells := range rows {
			if err := writeDataRow(c.writer, cells); err != nil {
				return err
			}
		}
		rowCount += len(rows)

		// Await socket writability between batches.
		if err := c.writer.Flush(); err != nil {
			return err
		}
	}

	queryDurationHistogram.Observe(time.Since(start).Seconds())
	return writeCommandComplete(c.writer, commandTag(plan, rowCount))
}

func commandTag(plan *engine.Plan, rows int) string {
	switch plan.Kind {
	case engine.KindShow:
		return "SHOW"
	case engine.KindExplain:
		return "EXPLAIN"
	default:
		return fmt.Sprintf("SELECT %d", rows)
	}
}

// sendQueryError emits a non-fatal ErrorResponse; the connection stays
// usable.
func (c *clientConn) sendQueryError(err error) {
	queryErrorsCounter.Inc()
	code := sqlstateFor(err)
	slog.Debug("Query rejected", "username", c.username, "code", code, "error", err)
	_ = writeErrorResponse(c.writer, "ERROR", code, err.Error())
	_ = c.writer.Flush()
}

func (c *clientConn) sendFatal(code, message string) {
	_ = writeErrorResponse(c.writer, "FATAL", code, message)
	_ = c.writer.Flush()
}

// sendExtendedError emits an ErrorResponse and suppresses further
// extended-protocol messages until the client Syncs.
func (c *clientConn) sendExtendedError(err error) {
	c.inError = true
	c.sendQueryError(err)
}

// ---------- extended query ----------

func (c *clientConn) handleParse(body []byte) {
	reader := bytes.NewReader(body)

	stmtName, err := readCString(reader)
	if err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Parse message"))
		return
	}
	query, err := readCString(reader)
	if err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Parse message"))
		return
	}

	var numParamTypes int16
	if err := binary.Read(reader, binary.BigEndian, &numParamTypes); err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Parse message"))
		return
	}
	paramTypes := make([]int32, numParamTypes)
	for i := range paramTypes {
		if err := binary.Read(reader, binary.BigEndian, &paramTypes[i]); err != nil {
			c.sendExtendedError(fmt.Errorf("invalid Parse message"))
			return
		}
	}

	plans, err := engine.ParseSQL(query)
	if err != nil {
		c.sendExtendedError(err)
		return
	}
	if len(plans) > 1 {
		c.sendExtendedError(&engine.ParseError{Err: fmt.Errorf("cannot insert multiple commands into a prepared statement")})
		return
	}

	numParams := 0
	if len(plans) == 1 {
		numParams = plans[0].ParamCount()
	}

	delete(c.stmts, stmtName)
	c.stmts[stmtName] = &preparedStmt{
		query:      query,
		numParams:  numParams,
		paramTypes: paramTypes,
	}

	_ = writeParseComplete(c.writer)
}

func (c *clientConn) handleBind(body []byte) {
	reader := bytes.NewReader(body)

	portalName, err := readCString(reader)
	if err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Bind message"))
		return
	}
	stmtName, err := readCString(reader)
	if err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Bind message"))
		return
	}

	ps, ok := c.stmts[stmtName]
	if !ok {
		c.sendExtendedError(fmt.Errorf("prepared statement %q does not exist", stmtName))
		return
	}

	var numParamFormats int16
	if err := binary.Read(reader, binary.BigEndian, &numParamFormats); err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Bind message"))
		return
	}
	paramFormats := make([]int16, numParamFormats)
	for i := range paramFormats {
		if err := binary.Read(reader, binary.BigEndian, &paramFormats[i]); err != nil {
			c.sendExtendedError(fmt.Errorf("invalid Bind message"))
			return
		}
	}
	for _, f := range paramFormats {
		if f != 0 {
			c.sendExtendedError(fmt.Errorf("binary parameter format is not supported"))
			return
		}
	}

	var numParams int16
	if err := binary.Read(reader, binary.BigEndian, &numParams); err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Bind message"))
		return
	}
	paramValues := make([]*string, numParams)
	for i := range paramValues {
		var length int32
		if err := binary.Read(reader, binary.BigEndian, &length); err != nil {
			c.sendExtendedError(fmt.Errorf("invalid Bind message"))
			return
		}
		if length == -1 {
			continue // NULL
		}
		buf := make([]byte, length)
		if _, err := io.ReadFull(reader, buf); err != nil {
			c.sendExtendedError(fmt.Errorf("invalid Bind message"))
			return
		}
		s := string(buf)
		paramValues[i] = &s
	}

	var numResultFormats int16
	if err := binary.Read(reader, binary.BigEndian, &numResultFormats); err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Bind message"))
		return
	}
	resultFormats := make([]int16, numResultFormats)
	for i := range resultFormats {
		if err := binary.Read(reader, binary.BigEndian, &resultFormats[i]); err != nil {
			c.sendExtendedError(fmt.Errorf("invalid Bind message"))
			return
		}
	}

	// Re-plan from source so each portal owns a fresh tree; parameter
	// values are substituted as literals, exactly what the simple path
	// would carry.
	plans, err := engine.ParseSQL(ps.query)
	if err != nil {
		c.sendExtendedError(err)
		return
	}
	var plan *engine.Plan
	if len(plans) == 1 {
		plan = plans[0]
		if err := plan.BindParams(paramValues); err != nil {
			c.sendExtendedError(err)
			return
		}
	}

	delete(c.portals, portalName)
	c.portals[portalName] = &portal{
		stmt:          ps,
		plan:          plan,
		resultFormats: resultFormats,
	}

	_ = writeBindComplete(c.writer)
}

func (c *clientConn) handleDescribe(body []byte) {
	if len(body) < 2 {
		c.sendExtendedError(fmt.Errorf("invalid Describe message"))
		return
	}
	descType := body[0]
	name := string(bytes.TrimRight(body[1:], "\x00"))

	switch descType {
	case 'S':
		ps, ok := c.stmts[name]
		if !ok {
			c.sendExtendedError(fmt.Errorf("prepared statement %q does not exist", name))
			return
		}

		paramTypes := ps.paramTypes
		if len(paramTypes) < ps.numParams {
			paramTypes = make([]int32, ps.numParams)
			for i := range paramTypes {
				paramTypes[i] = codec.OidText
			}
		}
		_ = writeParameterDescription(c.writer, paramTypes)

		// Describe the result shape with NULL parameter values; the plan
		// goes through the same hook pipeline the execute path uses.
		plans, err := engine.ParseSQL(ps.query)
		if err != nil || len(plans) == 0 {
			_ = writeNoData(c.writer)
			return
		}
		plan := plans[0]
		nulls := make([]*string, ps.numParams)
		if err := plan.BindParams(nulls); err != nil {
			_ = writeNoData(c.writer)
			return
		}
		if err := hooks.Apply(c.server.pipeline, plan, c.session); err != nil {
			c.sendExtendedError(err)
			return
		}
		c.describePlan(plan, nil)

	case 'P':
		p, ok := c.portals[name]
		if !ok {
			c.sendExtendedError(fmt.Errorf("portal %q does not exist", name))
			return
		}
		p.described = true
		if p.plan == nil {
			_ = writeNoData(c.writer)
			return
		}
		if !p.hooksApplied {
			if err := hooks.Apply(c.server.pipeline, p.plan, c.session); err != nil {
				c.sendExtendedError(err)
				return
			}
			p.hooksApplied = true
		}
		c.describePlan(p.plan, p.resultFormats)

	default:
		c.sendExtendedError(fmt.Errorf("invalid Describe type"))
	}
}

// describePlan resolves a plan's result schema and sends RowDescription
// (or NoData when the statement returns no rows).
func (c *clientConn) describePlan(plan *engine.Plan, formats []int16) {
	ctx, done := c.queryContext()
	defer done()

	ec, err := c.server.cache.Get(ctx, c.database)
	if err != nil {
		c.sendExtendedError(err)
		return
	}

	schema, err := ec.Describe(ctx, plan)
	if err != nil {
		_ = writeNoData(c.writer)
		return
	}
	_ = writeRowDescription(c.writer, codec.FieldsFromSchema(schema, formats))
}

func (c *clientConn) handleExecute(body []byte) {
	reader := bytes.NewReader(body)

	portalName, err := readCString(reader)
	if err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Execute message"))
		return
	}
	var maxRows int32
	if err := binary.Read(reader, binary.BigEndian, &maxRows); err != nil {
		c.sendExtendedError(fmt.Errorf("invalid Execute message"))
		return
	}

	p, ok := c.portals[portalName]
	if !ok {
		c.sendExtendedError(fmt.Errorf("portal %q does not exist", portalName))
		return
	}
	if p.plan == nil {
		_ = writeEmptyQueryResponse(c.writer)
		return
	}

	ctx, done := c.queryContext()
	defer done()

	ec, err := c.server.cache.Get(ctx, c.database)
	if err != nil {
		c.sendExtendedError(err)
		return
	}

	if !p.hooksApplied {
		if err := hooks.Apply(c.server.pipeline, p.plan, c.session); err != nil {
			c.sendExtendedError(err)
			return
		}
		p.hooksApplied = true
	}

	// RowDescription was already sent in response to Describe; Execute
	// only carries rows.
	if err := c.runStatement(ctx, ec, p.plan, p.resultFormats, false); err != nil {
		c.sendExtendedError(err)
	}
}

func (c *clientConn) handleClose(body []byte) {
	if len(body) < 2 {
		c.sendExtendedError(fmt.Errorf("invalid Close message"))
		return
	}
	closeType := body[0]
	name := string(bytes.TrimRight(body[1:], "\x00"))

	switch closeType {
	case 'S':
		delete(c.stmts, name)
	case 'P':
		delete(c.portals, name)
	}

	_ = writeCloseComplete(c.writer)
}
