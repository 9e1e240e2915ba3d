package wsb

import (
	"fmt"
	"strings"
)

// escaper rewrites the five characters with reserved meaning in XML
// text content. A single-pass replacer cannot double-escape: the
// ampersands it emits are never re-read.
var escaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// Escape makes s safe for embedding as XML text content.
func Escape(s string) string {
	return escaper.Replace(s)
}

// logonSeparator chains logon commands inside one Command element. The
// loader hands the block to cmd.exe, whose conditional chaining
// operator stops the sequence at the first failing command.
const logonSeparator = " && "

// Compile renders the config into the loader's XML document. It is a
// pure transform: no file is written and no process is spawned.
//
// Guarantees:
//   - An invalid config yields a ValidationError and no document.
//   - Folder and command values survive escaping; the loader's XML
//     parser recovers the original text.
//   - All logon commands are joined into a single Command block so the
//     loader runs them as one ordered sequence.
func Compile(cfg Config) ([]byte, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	memory := cfg.MemoryMB
	if memory == 0 {
		memory = DefaultMemoryMB
	}

	var b strings.Builder
	b.WriteString("<?xml version=\"1.0\" encoding=\"utf-8\"?>\n")
	b.WriteString("<Configuration>\n")
	fmt.Fprintf(&b, "  <VGpu>%s</VGpu>\n", enableDisable(cfg.VGPU))
	fmt.Fprintf(&b, "  <Networking>%s</Networking>\n", enableDisable(cfg.Networking))
	fmt.Fprintf(&b, "  <MemoryInMB>%d</MemoryInMB>\n", memory)

	if len(cfg.MappedFolders) > 0 {
		b.WriteString("  <MappedFolders>\n")
		for _, folder := range cfg.MappedFolders {
			b.WriteString("    <MappedFolder>\n")
			fmt.Fprintf(&b, "      <HostFolder>%s</HostFolder>\n", Escape(folder.HostFolder))
			if folder.SandboxFolder != "" {
				fmt.Fprintf(&b, "      <SandboxFolder>%s</SandboxFolder>\n", Escape(folder.SandboxFolder))
			}
			fmt.Fprintf(&b, "      <ReadOnly>%t</ReadOnly>\n", folder.ReadOnly)
			b.WriteString("    </MappedFolder>\n")
		}
		b.WriteString("  </MappedFolders>\n")
	}

	if len(cfg.LogonCommands) > 0 {
		joined := strings.Join(cfg.LogonCommands, logonSeparator)
		b.WriteString("  <LogonCommand>\n")
		fmt.Fprintf(&b, "    <Command>%s</Command>\n", Escape(joined))
		b.WriteString("  </LogonCommand>\n")
	}

	b.WriteString("</Configuration>\n")
	return []byte(b.String()), nil
}

func enableDisable(on bool) string {
	if on {
		return "Enable"
	}
	return "Disable"
}
