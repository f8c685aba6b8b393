package mcpserver

// CompanionFormatContract describes the companion document format that
// refhub generates and parses. LLM consumers editing companion documents
// should follow it so their edits survive synchronization.
const CompanionFormatContract = `# Refhub Companion Document Format Contract

Every attachment record maintains one companion Markdown document. The
document has a machine-managed header and a user-owned body.

## Structure

` + "```" + `markdown
# Human-readable title

<!-- refhub:begin -->
id: 8f14e45f-ceea-4e5b-a0c9-2d4e6f8a1b3c
title: Human-readable title
author: A. Author
year: 2021
identity_key: 10.1000/example.doi
file: papers/example.pdf
file_name: example.pdf
file_type: pdf
tags:
  - methodology
reference_count: 2
references:
  - path: notes/survey.md
    name: survey.md
    line: 14
    strategy: link
<!-- refhub:end -->

<!-- refhub:notes:begin -->
## Summary

Anything written here is preserved verbatim across regeneration.
<!-- refhub:notes:end -->
` + "```" + `

## Rules

1. **Never edit between the header markers by hand-crafted structure
   changes.** The header is regenerated from the record; to change record
   fields, edit the key values in place and run the companion sync
   operation, which treats the header as the source of truth.
2. **The body between the notes markers belongs to the user.** Refhub
   preserves it byte-for-byte when it rewrites the header.
3. **Header keys are fixed.** Unknown keys are ignored on parse.
4. **Tags** are a YAML-style list with two-space indentation.
5. **File paths** are vault-relative and use forward slashes.
6. **Do not remove the markers.** A document without the header markers
   is treated as having no machine header at all.
`
