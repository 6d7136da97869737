/*
Package client is the Go client of the driver's gRPC API.

	c, err := client.NewClient("driver:7070")
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Submit(ctx, job, func(uuid string) {
		fmt.Println("queued", uuid)
	})

Submit holds a server stream open until the job's results arrive; every other
call is a unary request bounded by DefaultTimeout. Calls travel with the
taskgrid codec (content-subtype "taskgrid"), so no generated stubs are needed.
gRPC NotFound and AlreadyExists statuses come back as errors wrapping
types.ErrJobNotFound, types.ErrNodeNotFound and types.ErrDuplicateJob.

Dial is shared with node agents, which open the node stream on the same kind
of connection.
*/
package client
