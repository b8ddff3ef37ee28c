// Package fetch obtains application source into a cached local working
// tree, cloning on first use and updating in place on later runs.
package fetch
