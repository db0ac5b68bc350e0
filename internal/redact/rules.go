package redact

import "github.com/c2trail/c2trail/internal/config"

// DefaultRules cover the secrets that routinely end up in operator
// transcripts. Each keeps the context in group 1 so the default
// replacement leaves the surrounding command readable.
var DefaultRules = []config.RedactionRule{
	{
		Name:        "password_argument",
		Pattern:     `((?:/|-+|\s)(?:p|pass|password|pvk)\s*(?:=|\s|:)\s*)\S+`,
		Description: "password passed as a command line argument",
	},
	{
		Name:        "logonpasswords_hash",
		Pattern:     `((?:NTLM|SHA1)\s+:\s)\b\w+\b`,
		Description: "NTLM and SHA1 hashes printed by logonpasswords",
	},
	{
		Name:        "sam_dump",
		Pattern:     `(\w+:\d+:)\w+:\w+:::`,
		Description: "LM:NT pairs from hashdump",
	},
	{
		Name:        "kerberos_key",
		Pattern:     `((?:aes256_hmac|aes128_hmac|rc4_hmac|rc4_hmac_nt|des_cbc_md5)\s*:?\s*)[a-f0-9]{16,}`,
		Description: "Kerberos keys from dcsync and ekeys",
	},
	{
		Name:        "kerberos_ticket",
		Pattern:     `((?:ticket|statekey|/ticket:)\s*[:=]?\s*)[A-Za-z0-9+/=]{32,}`,
		Description: "base64 Kerberos tickets and state keys",
	},
	{
		Name:        "make_token",
		Pattern:     `(make_token\s+\S+\s+)\S+`,
		Description: "password given to make_token",
	},
	{
		Name:        "runas",
		Pattern:     `(runas\s+\S+\s+)\S+`,
		Description: "password given to runas",
	},
	{
		Name:        "net_user",
		Pattern:     `(net\s+user\s+\S+\s+)(?:[^/\s]\S*)`,
		Description: "password given to net user",
	},
	{
		Name:        "hex_hash",
		Pattern:     `(\s|^)(?:[a-f0-9]{64}|[a-f0-9]{32})\b`,
		Description: "bare 32 or 64 character hex hashes",
	},
}
