package keys

const (
	// notation dictionary for key formats:
	// n   = node (a value stored at a path)
	// h   = on-disconnect hook
	// sys = store bookkeeping
	// Path segments are separated by "/", key segments by ":".

	// primary storage key formats
	NodeKey = "n:%s" // n:<path>

	// disconnect hooks, grouped per connection
	HookKey    = "h:%s:%s" // h:<conn_id>:<seq>
	HookPrefix = "h:%s:"   // h:<conn_id>:
	HookRoot   = "h:"

	// store-assigned child ids, ordered by time then sequence
	ChildID = "%s-%s" // <ts>-<seq>

	// padding widths (fixed for lexicographic ordering)
	TSPadWidth  = 20 // e.g. %020d
	SeqPadWidth = 6  // e.g. %06d

	// system keys
	SystemVersionKey = "sys:version"
)
