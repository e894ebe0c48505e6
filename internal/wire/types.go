package wire

// Type is the message type carried in the second header byte.
type Type byte

const (
	// TypeInvalid is never valid on the wire.
	TypeInvalid Type = 0
	// TypeMethodCall is a method invocation expecting zero or one reply.
	TypeMethodCall Type = 1
	// TypeMethodReturn is a successful reply to a method call.
	TypeMethodReturn Type = 2
	// TypeError is a failed reply to a method call.
	TypeError Type = 3
	// TypeSignal is a fire-and-forget notification.
	TypeSignal Type = 4
)

// String returns the name used by dbus-monitor for the type.
func (t Type) String() string {
	switch t {
	case TypeMethodCall:
		return "method_call"
	case TypeMethodReturn:
		return "method_return"
	case TypeError:
		return "error"
	case TypeSignal:
		return "signal"
	default:
		return "invalid"
	}
}

// Flags is the bitmask carried in the third header byte.
type Flags byte

const (
	// FlagNoReplyExpected tells the receiver not to send a reply.
	FlagNoReplyExpected Flags = 0x1
	// FlagNoAutoStart forbids service activation for the destination.
	FlagNoAutoStart Flags = 0x2
	// FlagAllowInteractiveAuthorization permits interactive policy prompts.
	FlagAllowInteractiveAuthorization Flags = 0x4
)

// HeaderField is a header field code.
type HeaderField byte

const (
	FieldPath        HeaderField = 1
	FieldInterface   HeaderField = 2
	FieldMember      HeaderField = 3
	FieldErrorName   HeaderField = 4
	FieldReplySerial HeaderField = 5
	FieldDestination HeaderField = 6
	FieldSender      HeaderField = 7
	FieldSignature   HeaderField = 8
	FieldUnixFDs     HeaderField = 9
)

// fieldSignatures is the variant type each known header field must carry.
var fieldSignatures = map[HeaderField]Signature{
	FieldPath:        "o",
	FieldInterface:   "s",
	FieldMember:      "s",
	FieldErrorName:   "s",
	FieldReplySerial: "u",
	FieldDestination: "s",
	FieldSender:      "s",
	FieldSignature:   "g",
	FieldUnixFDs:     "u",
}

// Byte order markers.
const (
	LittleEndian byte = 'l'
	BigEndian    byte = 'B'
)

// Protocol limits.
const (
	ProtocolVersion    = 1
	MaxMessageSize     = 128 << 20
	MaxArraySize       = 64 << 20
	MaxSignatureLength = 255
	maxContainerDepth  = 32
	maxVariantDepth    = 64
	fixedHeaderSize    = 16
)

// Well-known bus identifiers.
const (
	BusName      = "org.freedesktop.DBus"
	BusPath      = ObjectPath("/org/freedesktop/DBus")
	BusInterface = "org.freedesktop.DBus"

	MonitoringInterface     = "org.freedesktop.DBus.Monitoring"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PeerInterface           = "org.freedesktop.DBus.Peer"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
)
