package feed

// State keys written to the sink. The names are a contract with
// downstream consumers and must stay stable.
const (
	KeyConnection = "info.connection"

	KeyNotification = "data.notification"
	KeyAlarm        = "data.alarm"
	KeyUrgentAlarm  = "data.urgentAlarm"

	KeyRawUpdate  = "data.rawUpdate"
	KeyLastUpdate = "data.lastUpdate"

	KeyDevice          = "data.device"
	KeyClock           = "data.clock"
	KeyReservoir       = "data.reservoir"
	KeyBolusIOB        = "data.bolusiob"
	KeyPumpBattery     = "data.pumpBattery"
	KeyBolusing        = "data.bolusing"
	KeyStatus          = "data.status"
	KeySuspended       = "data.suspended"
	KeyUploaderBattery = "data.uploaderBattery"

	KeyMgdl          = "data.mgdl"
	KeyMgdlScaled    = "data.mgdlScaled"
	KeyMgdlDirection = "data.mgdlDirection"
)

// Suffixes under an age category prefix (data.cage, data.sage).
const (
	suffixAge     = ".age"
	suffixDays    = ".days"
	suffixHours   = ".hours"
	suffixChanged = ".changed"
)
