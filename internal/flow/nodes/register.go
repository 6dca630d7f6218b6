package nodes

import (
	"log/slog"

	"github.com/ringbase/ringbase/internal/acdqueue"
	"github.com/ringbase/ringbase/internal/database"
	"github.com/ringbase/ringbase/internal/flow"
)

// RegisterAll registers all implemented node handlers on the flow engine.
// The sipActions parameter provides SIP operations needed by handlers that
// interact with the call (ringing extensions, media bridging, etc.).
// The extensions parameter provides access to the extension repository for
// handlers that need to resolve member extensions (e.g. ring groups).
// The dataDir parameter is the root data directory for file storage.
// The queueDispatcher parameter drives the queue (ACD) node; it may be nil
// if the queue engine is not enabled for this process, in which case the
// queue node logs a warning and follows its "timeout" edge.
func RegisterAll(
	engine *flow.Engine,
	sipActions flow.SIPActions,
	extensions database.ExtensionRepository,
	dataDir string,
	queueDispatcher *acdqueue.Dispatcher,
	logger *slog.Logger,
) {
	engine.RegisterHandler("inbound_number", NewInboundNumberHandler(logger))
	engine.RegisterHandler("extension", NewExtensionHandler(engine, sipActions, logger))
	engine.RegisterHandler("ring_group", NewRingGroupHandler(engine, sipActions, extensions, logger))
	engine.RegisterHandler("time_switch", NewTimeSwitchHandler(engine, logger))
	engine.RegisterHandler("ivr_menu", NewIVRMenuHandler(engine, sipActions, logger))
	engine.RegisterHandler("play_message", NewPlayMessageHandler(engine, sipActions, logger))
	engine.RegisterHandler("hangup", NewHangupHandler(sipActions, logger))
	engine.RegisterHandler("set_caller_id", NewSetCallerIDHandler(logger))
	engine.RegisterHandler("transfer", NewTransferHandler(sipActions, logger))
	engine.RegisterHandler("webhook", NewWebhookHandler(logger))
	engine.RegisterHandler("queue", NewQueueHandler(engine, sipActions, queueDispatcher, logger))
}
