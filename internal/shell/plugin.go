// Package shell provides the shell-side integration: hook scripts that
// feed executed commands into the local history log, and importers for
// pre-existing shell history files.
package shell

// ZshHook is printed by "atuin init zsh". It records every command with
// its exit code and duration via preexec/precmd hooks.
const ZshHook = `# atuin shell hook -- add to ~/.zshrc:  eval "$(atuin init zsh)"
export ATUIN_SESSION="${ATUIN_SESSION:-$(atuin uuid)}"

_atuin_preexec() {
  _atuin_cmd="$1"
  _atuin_start=$EPOCHREALTIME
}

_atuin_precmd() {
  local exit_code=$?
  [[ -n "$_atuin_cmd" ]] || return
  local duration_ms=0
  if [[ -n "$_atuin_start" ]]; then
    duration_ms=$(( (EPOCHREALTIME - _atuin_start) * 1000 ))
  fi
  atuin history add --exit "$exit_code" --duration "${duration_ms%.*}" -- "$_atuin_cmd" 2>/dev/null
  unset _atuin_cmd _atuin_start
}

autoload -Uz add-zsh-hook
add-zsh-hook preexec _atuin_preexec
add-zsh-hook precmd _atuin_precmd
`

// BashHook is printed by "atuin init bash". Bash has no preexec, so the
// command is read back from the history builtin in PROMPT_COMMAND.
const BashHook = `# atuin shell hook -- add to ~/.bashrc:  eval "$(atuin init bash)"
export ATUIN_SESSION="${ATUIN_SESSION:-$(atuin uuid)}"

_atuin_prompt_command() {
  local exit_code=$?
  local cmd
  cmd=$(HISTTIMEFORMAT= builtin history 1 | sed 's/^ *[0-9]* *//')
  [[ -n "$cmd" && "$cmd" != "$_atuin_last_cmd" ]] || return
  _atuin_last_cmd="$cmd"
  atuin history add --exit "$exit_code" -- "$cmd" 2>/dev/null
}

PROMPT_COMMAND="_atuin_prompt_command${PROMPT_COMMAND:+;$PROMPT_COMMAND}"
`
