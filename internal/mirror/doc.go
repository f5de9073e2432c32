// Package mirror runs an instance of a kind in a dedicated worker child
// process and gives the parent a stand-in that forwards calls to it.
//
// A kind is declared once at package level with NewKind and its
// remote-eligible operations with Method. The same binary is re-executed as
// the worker, so main must call Init before anything else:
//
//	func main() {
//		if mirror.Init() {
//			return
//		}
//		...
//	}
//
// Spawn returns a parent-role Mirror whose operations are sent over a
// private channel and executed one at a time by the worker loop. NewLocal
// returns a child-role Mirror whose operations run in-process. Both are
// called the same way, through Op.Call, and return the same values.
package mirror
