package wamp

// Standard WAMP error URIs emitted by the router.
const (
	ErrNoSuchProcedure        = URI("wamp.error.no_such_procedure")
	ErrProcedureAlreadyExists = URI("wamp.error.procedure_already_exists")
	ErrNoSuchSubscription     = URI("wamp.error.no_such_subscription")
	ErrNoSuchRegistration     = URI("wamp.error.no_such_registration")
	ErrInvalidURI             = URI("wamp.error.invalid_uri")
	ErrInvalidArgument        = URI("wamp.error.invalid_argument")
	ErrCanceled               = URI("wamp.error.canceled")
	ErrTimeout                = URI("wamp.error.timeout")
	ErrNoSuchRealm            = URI("wamp.error.no_such_realm")
	ErrAuthenticationFailed   = URI("wamp.error.authentication_failed")
	ErrProtocolViolation      = URI("wamp.error.protocol_violation")
	ErrOptionNotAllowed       = URI("wamp.error.option_not_allowed")
	ErrSystemShutdown         = URI("wamp.error.system_shutdown")
	ErrCloseRealm             = URI("wamp.error.close_realm")
	ErrGoodbyeAndOut          = URI("wamp.error.goodbye_and_out")
)
