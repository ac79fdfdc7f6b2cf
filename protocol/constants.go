package protocol

// Verb is the first word of a command line.
type Verb string

// Commands understood by the filter server
const (
	VerbCreate Verb = "create" // create <name> [capacity] [prob]
	VerbList   Verb = "list"   // list
	VerbDrop   Verb = "drop"   // drop <name>
	VerbSet    Verb = "set"    // set <name> <key>
	VerbCheck  Verb = "check"  // check <name> <key>
	VerbInfo   Verb = "info"   // info <name>
	VerbFlush  Verb = "flush"  // flush [name]
	VerbConf   Verb = "conf"   // conf [name]
)

// Single line replies
const (
	ReplyDone = "Done"
	ReplyYes  = "Yes"
	ReplyNo   = "No"
)

// Error replies sent by the server instead of the expected vocabulary.
var errorReplyPrefixes = []string{
	"Client Error",
	"Internal Error",
	"Filter does not exist",
	"Filter is not proxied",
	"Delete in progress",
	"Exists",
}

// Block delimiters for multi-line replies
const (
	BlockStart = "START"
	BlockEnd   = "END"
)

const (
	DefaultPort     = 8673 // Port used when an address carries none
	MaxNameLength   = 200  // Longest filter name accepted client-side
	MaxKeyLength    = 1024 // Longest key accepted client-side
	lineTerminator  = '\n'
	fieldSeparator  = ' '
	carriageReturns = "\r\n"
)
