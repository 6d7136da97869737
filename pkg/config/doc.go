/*
Package config loads the YAML files read by the taskgrid binary: the driver
file, the node file and job files for submission.

Every file is decoded over its defaults, so a file only names what it
changes, and is validated before use. Command-line flags override file
values in cmd/taskgrid.

A driver file looks like:

	node_id: driver-1
	api_addr: 0.0.0.0:11111
	health_addr: 0.0.0.0:9090
	data_dir: /var/lib/taskgrid
	history:
	  bind_addr: 10.0.0.1:7946   # empty keeps the history local
	  retention: 1000
	load_balancer:
	  algorithm: proportional
	  params:
	    proportionalityFactor: "2"

LoadBalancerWatcher follows the driver file with fsnotify and applies its
load_balancer section to the running driver whenever it changes. A file that
no longer parses or validates is logged and ignored; the settings in effect
stay.
*/
package config
