/*
Package network resolves where the HTTP listener binds.

Three decisions live here, all host-environment dependent:

  - Containerized detection: config flag, IMAGEGEND_CONTAINERIZED env
    var, or the /.dockerenv marker.
  - Bind host: SERVER_HOST env override, then the configured host, then
    0.0.0.0 inside containers and 127.0.0.1 on desktops.
  - Port selection: the configured port first, then a bounded upward
    scan so a stale instance holding the default port does not block a
    fresh boot.

The rest of the server never touches the environment for these; it asks
this package once at startup.
*/
package network
