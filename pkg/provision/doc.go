/*
Package provision makes a target host ready to build and serve
containers.

The provisioner probes for a package manager in a fixed preference
order (apt-get, dnf, yum), then ensures the container runtime, the
compose plugin and the nginx proxy are installed, enabled and started.
Each step checks for the binary before installing, so a second run over
a provisioned host executes only cheap probes and an operator-pinned
version is never reinstalled over.

Adding the deployment user to the docker group is best-effort: the
remaining stages invoke docker through sudo anyway because group
membership only applies to sessions opened after the change.
*/
package provision
