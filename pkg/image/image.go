package image

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"golang.org/x/crypto/ssh"
)

// DefaultBaseImage is the distribution tenant environments are built from
const DefaultBaseImage = "ubuntu:jammy"

var (
	usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)
	keyTypePattern  = regexp.MustCompile(`^(ssh-ed25519|ssh-rsa|ecdsa-sha2-nistp(256|384|521)|sk-ssh-ed25519@openssh\.com|sk-ecdsa-sha2-nistp256@openssh\.com)$`)
	keyBodyPattern  = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,3}$`)
	commentPattern  = regexp.MustCompile(`^[A-Za-z0-9@._+:-]+$`)
	baseImageRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9._/-]*(:[A-Za-z0-9._-]+)?(@sha256:[a-f0-9]{64})?$`)

	reservedUsers = map[string]bool{
		"root": true, "daemon": true, "bin": true, "sys": true, "sync": true,
		"sshd": true, "nobody": true, "ubuntu": true,
	}
)

// InvalidInputError reports a field rejected before rendering
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ValidateUsername checks that name is a safe POSIX login name
func ValidateUsername(name string) error {
	if !usernamePattern.MatchString(name) {
		return &InvalidInputError{Field: "username", Reason: "must match [a-z_][a-z0-9_-]{0,31}"}
	}
	if reservedUsers[name] {
		return &InvalidInputError{Field: "username", Reason: fmt.Sprintf("%q is reserved", name)}
	}
	return nil
}

// ValidatePublicKey checks that key is a single authorized_keys entry of an
// allowed type whose body decodes to a key of that type. It returns the
// normalised "type body [comment]" line.
func ValidatePublicKey(key string) (string, error) {
	fields := strings.Fields(key)
	if strings.ContainsAny(key, "\r\n") || len(fields) < 2 || len(fields) > 3 {
		return "", &InvalidInputError{Field: "sshKey", Reason: "must be a single \"type base64 [comment]\" line"}
	}
	if !keyTypePattern.MatchString(fields[0]) {
		return "", &InvalidInputError{Field: "sshKey", Reason: fmt.Sprintf("unsupported key type %q", fields[0])}
	}
	if !keyBodyPattern.MatchString(fields[1]) {
		return "", &InvalidInputError{Field: "sshKey", Reason: "key body is not base64"}
	}
	if len(fields) == 3 && !commentPattern.MatchString(fields[2]) {
		return "", &InvalidInputError{Field: "sshKey", Reason: "comment contains forbidden characters"}
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(key))
	if err != nil {
		return "", &InvalidInputError{Field: "sshKey", Reason: err.Error()}
	}
	if parsed.Type() != fields[0] {
		return "", &InvalidInputError{Field: "sshKey", Reason: fmt.Sprintf("key body is %s, declared %s", parsed.Type(), fields[0])}
	}

	return strings.Join(fields, " "), nil
}

// Spec holds the values substituted into the build template
type Spec struct {
	BaseImage  string
	Username   string
	EncodedKey string
}

var buildTemplate = template.Must(template.New("Dockerfile").Parse(`FROM {{.BaseImage}}

# Install necessary packages
RUN apt-get update && apt-get install -y openssh-server sudo

# Ensure privilege separation directory exists for SSH
RUN mkdir -p /run/sshd && chmod 0755 /run/sshd

# Create the tenant user with sudo privileges
RUN useradd -m -s /bin/bash {{.Username}} && \
    usermod -aG sudo {{.Username}} && \
    mkdir -p /home/{{.Username}}/.ssh

# Install the tenant public key as the only authorized key
RUN echo "{{.EncodedKey}}" | base64 -d > /home/{{.Username}}/.ssh/authorized_keys && \
    chmod 700 /home/{{.Username}}/.ssh && \
    chmod 600 /home/{{.Username}}/.ssh/authorized_keys && \
    chown -R {{.Username}}:{{.Username}} /home/{{.Username}}/.ssh

# Configure SSH server
RUN sed -i 's/#PubkeyAuthentication yes/PubkeyAuthentication yes/' /etc/ssh/sshd_config && \
    sed -i 's/#PasswordAuthentication yes/PasswordAuthentication no/' /etc/ssh/sshd_config && \
    sed -i 's/#PermitRootLogin prohibit-password/PermitRootLogin no/' /etc/ssh/sshd_config && \
    echo "PermitRootLogin no" >> /etc/ssh/sshd_config && \
    echo "PasswordAuthentication no" >> /etc/ssh/sshd_config && \
    echo "AllowUsers {{.Username}}" >> /etc/ssh/sshd_config

EXPOSE 22

CMD ["/usr/sbin/sshd", "-D"]
`))

// Builder renders per-tenant build specifications
type Builder struct {
	baseImage string
}

// NewBuilder creates a builder for baseImage (DefaultBaseImage if empty)
func NewBuilder(baseImage string) (*Builder, error) {
	if baseImage == "" {
		baseImage = DefaultBaseImage
	}
	if !baseImageRegexp.MatchString(baseImage) {
		return nil, &InvalidInputError{Field: "base image", Reason: fmt.Sprintf("%q is not a valid image reference", baseImage)}
	}
	return &Builder{baseImage: baseImage}, nil
}

// Render produces the build specification for a tenant. Identical inputs
// always yield byte-identical output.
func (b *Builder) Render(username, sshPublicKey string) (string, error) {
	if err := ValidateUsername(username); err != nil {
		return "", err
	}
	key, err := ValidatePublicKey(sshPublicKey)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = buildTemplate.Execute(&buf, Spec{
		BaseImage:  b.baseImage,
		Username:   username,
		EncodedKey: base64.StdEncoding.EncodeToString([]byte(key + "\n")),
	})
	if err != nil {
		return "", fmt.Errorf("failed to render build spec: %w", err)
	}
	return buf.String(), nil
}

// Render renders with the default base image
func Render(username, sshPublicKey string) (string, error) {
	b := &Builder{baseImage: DefaultBaseImage}
	return b.Render(username, sshPublicKey)
}
