/*
Package bundler decides how many tasks the driver sends to a node in one bundle.

Each connected node owns a Bundler built by the current Provider. The
dispatcher asks it for NextSize before taking a slice from a job, and feeds the
measured round trip back with Feedback when the results return.

# Algorithms

fixed:
  - Always returns the "size" parameter (default 5)

nodethreads:
  - Returns the node's processing threads times "multiplicator" (default 1)

proportional:

  - Keeps a ring buffer of the last "performanceCacheSize" samples (default 2000)
    with running sums, so each Feedback is O(1)

  - All bundlers of one provider share a Group; a node's size is its share of
    the largest outstanding task count, weighted by 1/mean^P where mean is the
    node's seconds per task and P is "proportionalityFactor" (default 2)

  - Nodes with fewer than two samples use their seed size ("initialSize",
    defaulting to the node's thread count)

    size(i) = max(1, round(maxSize * w(i) / Σ w))      w(i) = 1 / mean(i)^P

# Settings changes

NewProvider validates Settings and returns a *ConfigError without side effects
when anything is wrong. A valid change produces a new Provider with a new
Generation; the dispatcher compares generations when a node goes idle and
replaces that node's bundler at that point. Bundlers already in use finish
their current bundle unchanged.

Callers clamp the result to the job's remaining tasks with Clamp.
*/
package bundler
