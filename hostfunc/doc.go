// Package hostfunc provides host functions callable from interpreted code.
//
// Guest code reaches the host through the pyedit module injected by the
// interpreter driver:
//
//	import pyedit
//	pyedit.call("kv_set", key="x", value=1)
//	pyedit.install("attrs")
//
// Each call is resolved against a [Registry]. Interpreters start with an
// empty capability set; the interp package registers time_now, the [KV]
// scratch store, and the package installer built with [NewInstallFunc] when
// an [Installer] is configured.
package hostfunc
